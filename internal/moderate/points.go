package moderate

import "github.com/cocoabot/cocoa/internal/store"

// Behavior-score ledger bounds. Unrelated to the daily usage quota: this
// score tracks house-style compliance, the quota rations calls.
const (
	PointsFloor = -10
	PointsCeil  = 10
)

// applyOutcome settles one evaluated draft against the ledger: each
// confirmed violation deducts 2 points while the balance is positive and 5
// otherwise; a clean draft earns 1. The balance never leaves
// [PointsFloor, PointsCeil].
func applyOutcome(users *store.Users, userID string, violations int) (balance int) {
	users.Mutate(userID, func(rec *store.UserRecord) {
		if violations == 0 {
			rec.AIPoints++
			if rec.AIPoints > PointsCeil {
				rec.AIPoints = PointsCeil
			}
		} else {
			for i := 0; i < violations; i++ {
				if rec.AIPoints > 0 {
					rec.AIPoints -= 2
				} else {
					rec.AIPoints -= 5
				}
			}
			if rec.AIPoints < PointsFloor {
				rec.AIPoints = PointsFloor
			}
		}
		balance = rec.AIPoints
	})
	return balance
}
