// Package ranking orders session players into a leaderboard.
package ranking

import (
	"sort"

	"github.com/MarkusJohansen/faxing/internal/domain"
)

// Rank returns the leaderboard for players given in join order.
//
// Completed players come first, fastest first, ties broken by join order.
// Pending players follow in join order. Ranks are 1-based positions and
// are assigned to pending players too. The input is not modified.
func Rank(players []domain.Player) []domain.LeaderboardEntry {
	order := make([]int, len(players))
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := players[order[a]], players[order[b]]
		ma, doneA := pa.Completion.Millis()
		mb, doneB := pb.Completion.Millis()
		switch {
		case doneA && doneB:
			return ma < mb
		case doneA != doneB:
			return doneA
		default:
			return false
		}
	})

	entries := make([]domain.LeaderboardEntry, len(order))
	for pos, idx := range order {
		entries[pos] = domain.LeaderboardEntry{
			Rank:       pos + 1,
			PlayerName: players[idx].Name,
			Completion: players[idx].Completion,
		}
	}
	return entries
}

// Leader returns the rank-1 entry if it has a recorded time
func Leader(entries []domain.LeaderboardEntry) (domain.LeaderboardEntry, bool) {
	if len(entries) == 0 || entries[0].Completion.IsPending() {
		return domain.LeaderboardEntry{}, false
	}
	return entries[0], true
}
