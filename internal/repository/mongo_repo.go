package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-notifier/internal/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesCollection keeps the document layout used by the order dashboard,
// so records written by either side stay readable by the other.
const MessagesCollection = "messages"

type externalDoc struct {
	Status bool       `bson:"status"`
	TS     *time.Time `bson:"ts"`
}

type queuedDoc struct {
	Status   bool        `bson:"status"`
	TS       time.Time   `bson:"ts"`
	External externalDoc `bson:"external"`
}

type messageStatusDoc struct {
	Sent             bool          `bson:"sent"`
	SentOn           *time.Time    `bson:"sentOn"`
	ExternalID       *string       `bson:"externalId"`
	FinalStatus      *string       `bson:"finalStatus"`
	RetryDisposition string        `bson:"retryDisposition"`
	Notes            []domain.Note `bson:"notes"`
}

type notificationDoc struct {
	ID            string           `bson:"_id"`
	Message       string           `bson:"message"`
	Phone         string           `bson:"customerPrimaryPhoneNumber"`
	GeneratedBy   string           `bson:"generatedBy"`
	MessageStatus messageStatusDoc `bson:"messageStatus"`
	Queued        queuedDoc        `bson:"queued"`
	CreatedAt     time.Time        `bson:"createdAt"`
	UpdatedAt     time.Time        `bson:"updatedAt"`
}

var _ NotificationRepository = (*MongoNotificationRepo)(nil)

type MongoNotificationRepo struct {
	collection *mongo.Collection
}

func NewMongoNotificationRepo(db *mongo.Database) *MongoNotificationRepo {
	return &MongoNotificationRepo{collection: db.Collection(MessagesCollection)}
}

// EnsureIndexes creates the indexes the sweeps and the query surface rely on.
func (r *MongoNotificationRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "queued.status", Value: 1}, {Key: "queued.external.status", Value: 1}, {Key: "messageStatus.sent", Value: 1}, {Key: "queued.ts", Value: 1}},
			Options: options.Index().SetName("idx_messages_eligibility"),
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("idx_messages_created_at"),
		},
		{
			Keys: bson.D{{Key: "messageStatus.externalId", Value: 1}},
			Options: options.Index().
				SetName("idx_messages_external_id").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"messageStatus.externalId": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

func (r *MongoNotificationRepo) Insert(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	if _, err := r.collection.InsertOne(ctx, notificationDocFromDomain(n)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: notification %s already exists", domain.ErrConflict, n.ID)
		}
		return err
	}
	return nil
}

func (r *MongoNotificationRepo) InsertBatch(ctx context.Context, notifications []*domain.Notification) error {
	docs := make([]notificationDoc, 0, len(notifications))
	for _, n := range notifications {
		if n != nil {
			docs = append(docs, notificationDocFromDomain(n))
		}
	}
	if len(docs) == 0 {
		return nil
	}

	if _, err := r.collection.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return err
	}
	return nil
}

func (r *MongoNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var doc notificationDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n := notificationDocToDomain(doc)
	return &n, nil
}

func (r *MongoNotificationRepo) FindEligibleForDispatch(ctx context.Context, limit int) ([]domain.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "queued.ts", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, dispatchEligibleFilter(), opts)
}

func (r *MongoNotificationRepo) FindEligibleForReconciliation(ctx context.Context, limit int) ([]domain.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "queued.external.ts", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, reconcileEligibleFilter(), opts)
}

func (r *MongoNotificationRepo) Update(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": n.ID}, monotonicUpdatePipeline(notificationDocFromDomain(n)))
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MongoNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	filter := listFilter(params)

	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	page, pageSize := params.normalizedPage()
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))

	notifications, err := r.find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

type statsDoc struct {
	Total              int64 `bson:"total"`
	Sent               int64 `bson:"sent"`
	Pending            int64 `bson:"pending"`
	Failed             int64 `bson:"failed"`
	Queued             int64 `bson:"queued"`
	ExternallyAccepted int64 `bson:"externallyAccepted"`
	InternalOnly       int64 `bson:"internalOnly"`
}

func (r *MongoNotificationRepo) Stats(ctx context.Context, filter StatsFilter) (Stats, error) {
	cursor, err := r.collection.Aggregate(ctx, statsPipeline(filter))
	if err != nil {
		return Stats{}, err
	}

	var rows []statsDoc
	if err := cursor.All(ctx, &rows); err != nil {
		return Stats{}, err
	}
	if len(rows) == 0 {
		return Stats{}, nil
	}

	row := rows[0]
	return Stats{
		Total:   row.Total,
		Sent:    row.Sent,
		Pending: row.Pending,
		Failed:  row.Failed,
		Queued: QueueStats{
			Total:              row.Queued,
			ExternallyAccepted: row.ExternallyAccepted,
			InternalOnly:       row.InternalOnly,
		},
	}, nil
}

func (r *MongoNotificationRepo) Ping(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, nil)
}

func (r *MongoNotificationRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]domain.Notification, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var docs []notificationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	notifications := make([]domain.Notification, 0, len(docs))
	for _, doc := range docs {
		notifications = append(notifications, notificationDocToDomain(doc))
	}
	return notifications, nil
}

func dispatchEligibleFilter() bson.M {
	return bson.M{
		"queued.status":                  true,
		"queued.external.status":         false,
		"messageStatus.sent":             false,
		"messageStatus.retryDisposition": bson.M{"$ne": domain.RetryNonRetryable.String()},
		"$or": bson.A{
			bson.M{"messageStatus.externalId": nil},
			bson.M{"messageStatus.retryDisposition": domain.RetryRetryable.String()},
		},
	}
}

func reconcileEligibleFilter() bson.M {
	return bson.M{
		"queued.status":             true,
		"queued.external.status":    true,
		"messageStatus.sent":        false,
		"messageStatus.externalId":  bson.M{"$nin": bson.A{nil, ""}},
		"messageStatus.finalStatus": nil,
	}
}

func listFilter(params ListParams) bson.M {
	filter := bson.M{}
	if params.Queued != nil {
		filter["queued.status"] = *params.Queued
	}
	if params.Accepted != nil {
		filter["queued.external.status"] = *params.Accepted
	}
	if params.Sent != nil {
		filter["messageStatus.sent"] = *params.Sent
	}
	if created := createdRange(params.From, params.To); created != nil {
		filter["createdAt"] = created
	}
	return filter
}

func createdRange(from, to *time.Time) bson.M {
	if from == nil && to == nil {
		return nil
	}
	created := bson.M{}
	if from != nil {
		created["$gte"] = *from
	}
	if to != nil {
		created["$lte"] = *to
	}
	return created
}

// monotonicUpdatePipeline replaces the mutable fields while keeping the
// one-way facts: flags are OR-ed with the stored value and acceptance or
// delivery details already present are never overwritten.
func monotonicUpdatePipeline(doc notificationDoc) mongo.Pipeline {
	firstWrite := func(field string, value any) bson.M {
		return bson.M{"$ifNull": bson.A{"$" + field, bson.M{"$literal": value}}}
	}
	oneWay := func(field string, value bool) bson.M {
		return bson.M{"$or": bson.A{"$" + field, value}}
	}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"queued.status":                  oneWay("queued.status", doc.Queued.Status),
			"queued.ts":                      bson.M{"$literal": doc.Queued.TS},
			"queued.external.status":         oneWay("queued.external.status", doc.Queued.External.Status),
			"queued.external.ts":             firstWrite("queued.external.ts", doc.Queued.External.TS),
			"messageStatus.externalId":       firstWrite("messageStatus.externalId", doc.MessageStatus.ExternalID),
			"messageStatus.sent":             oneWay("messageStatus.sent", doc.MessageStatus.Sent),
			"messageStatus.sentOn":           firstWrite("messageStatus.sentOn", doc.MessageStatus.SentOn),
			"messageStatus.finalStatus":      firstWrite("messageStatus.finalStatus", doc.MessageStatus.FinalStatus),
			"messageStatus.retryDisposition": bson.M{"$literal": doc.MessageStatus.RetryDisposition},
			"messageStatus.notes":            bson.M{"$literal": doc.MessageStatus.Notes},
			"updatedAt":                      bson.M{"$literal": doc.UpdatedAt},
		}}},
	}
}

func statsPipeline(filter StatsFilter) mongo.Pipeline {
	match := bson.M{}
	if created := createdRange(filter.From, filter.To); created != nil {
		match["createdAt"] = created
	}
	if filter.UnsentOnly {
		match["messageStatus.sent"] = false
	}

	count := func(cond any) bson.M {
		return bson.M{"$sum": bson.M{"$cond": bson.A{cond, 1, 0}}}
	}
	notSent := bson.M{"$not": bson.A{"$messageStatus.sent"}}
	failed := bson.M{"$and": bson.A{
		notSent,
		bson.M{"$or": bson.A{
			bson.M{"$ne": bson.A{bson.M{"$ifNull": bson.A{"$messageStatus.finalStatus", nil}}, nil}},
			bson.M{"$eq": bson.A{"$messageStatus.retryDisposition", domain.RetryNonRetryable.String()}},
		}},
	}}

	return mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":                nil,
			"total":              bson.M{"$sum": 1},
			"sent":               count("$messageStatus.sent"),
			"pending":            count(bson.M{"$and": bson.A{notSent, "$queued.status"}}),
			"failed":             count(failed),
			"queued":             count("$queued.status"),
			"externallyAccepted": count(bson.M{"$and": bson.A{"$queued.status", "$queued.external.status"}}),
			"internalOnly":       count(bson.M{"$and": bson.A{"$queued.status", bson.M{"$not": bson.A{"$queued.external.status"}}}}),
		}}},
	}
}

func notificationDocFromDomain(n *domain.Notification) notificationDoc {
	notes := n.Notes
	if notes == nil {
		notes = []domain.Note{}
	}

	var finalStatus *string
	if n.Delivery.FinalStatus != nil {
		s := n.Delivery.FinalStatus.String()
		finalStatus = &s
	}

	return notificationDoc{
		ID:          n.ID,
		Message:     n.Body,
		Phone:       n.Recipient,
		GeneratedBy: n.Source,
		MessageStatus: messageStatusDoc{
			Sent:             n.Delivery.Sent,
			SentOn:           n.Delivery.SentAt,
			ExternalID:       n.Acceptance.ExternalID,
			FinalStatus:      finalStatus,
			RetryDisposition: n.RetryDisposition.String(),
			Notes:            notes,
		},
		Queued: queuedDoc{
			Status: n.Queue.Queued,
			TS:     n.Queue.QueuedAt,
			External: externalDoc{
				Status: n.Acceptance.Accepted,
				TS:     n.Acceptance.AcceptedAt,
			},
		},
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

func notificationDocToDomain(doc notificationDoc) domain.Notification {
	var finalStatus *domain.DeliveryStatus
	if doc.MessageStatus.FinalStatus != nil {
		s := domain.ParseDeliveryStatus(*doc.MessageStatus.FinalStatus)
		finalStatus = &s
	}

	disposition, err := domain.ParseRetryDispositionFromString(doc.MessageStatus.RetryDisposition)
	if err != nil {
		disposition = domain.RetryNone
	}

	return domain.Notification{
		ID:        doc.ID,
		Recipient: doc.Phone,
		Body:      doc.Message,
		Source:    doc.GeneratedBy,
		Queue: domain.QueueState{
			Queued:   doc.Queued.Status,
			QueuedAt: doc.Queued.TS,
		},
		Acceptance: domain.AcceptanceState{
			Accepted:   doc.Queued.External.Status,
			AcceptedAt: doc.Queued.External.TS,
			ExternalID: doc.MessageStatus.ExternalID,
		},
		Delivery: domain.DeliveryState{
			Sent:        doc.MessageStatus.Sent,
			SentAt:      doc.MessageStatus.SentOn,
			FinalStatus: finalStatus,
		},
		RetryDisposition: disposition,
		Notes:            doc.MessageStatus.Notes,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}
