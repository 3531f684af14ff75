package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Partial indexes matching the two sweep working sets keep each scan proportional
// to the number of eligible records rather than the size of the table.
func addEligibilityIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_eligibility_indexes",
		Migrate: func(tx *gorm.DB) error {
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_notifications_dispatch_eligible ON notifications (internally_queued_at)
					WHERE internally_queued AND NOT externally_accepted AND NOT sent AND retry_disposition <> 'NON_RETRYABLE'`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_reconcile_eligible ON notifications (externally_accepted_at)
					WHERE internally_queued AND externally_accepted AND NOT sent AND final_status IS NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			for _, name := range []string{"idx_notifications_dispatch_eligible", "idx_notifications_reconcile_eligible"} {
				if err := tx.Exec(`DROP INDEX IF EXISTS ` + name).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
