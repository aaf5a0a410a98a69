package liveauction

import (
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Assignments maps a node to the auction IDs it owns
type Assignments map[string][]int64

// ParseAssignment decodes a comma separated list of auction IDs.
// Malformed entries are skipped and the result is sorted.
func ParseAssignment(value string) []int64 {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			log.WithField("entry", part).Warn("Skipping malformed auction id in assignment")
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FormatAssignment is the inverse of ParseAssignment
func FormatAssignment(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Total counts the auctions across all nodes
func (a Assignments) Total() int {
	n := 0
	for _, ids := range a {
		n += len(ids)
	}
	return n
}

// Contains reports whether any node owns the auction
func (a Assignments) Contains(auctionID int64) bool {
	for _, ids := range a {
		for _, id := range ids {
			if id == auctionID {
				return true
			}
		}
	}
	return false
}

// AssignRoundRobin deals ids to members in order, starting with the first
func AssignRoundRobin(a Assignments, members []string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if len(members) == 0 {
		log.WithField("auctions", len(ids)).Warn("No group members to assign auctions to")
		return
	}
	for i, id := range ids {
		m := members[i%len(members)]
		a[m] = append(a[m], id)
		log.WithFields(log.Fields{"auction_id": id, "node": m}).Info("Assigning auction")
	}
}

// Rebalance brings every member up to floor(total/members) auctions.
// When all members already hold at least that many it changes nothing,
// so a fair but uneven split does not cause hand-offs. Otherwise surplus
// auctions are taken from the front of over-loaded members, handed to
// under-loaded members up to the floor, and any remainder is dealt round
// robin.
func Rebalance(a Assignments, members []string) {
	if len(members) == 0 {
		return
	}
	perMember := a.Total() / len(members)

	short := false
	for _, m := range members {
		if len(a[m]) < perMember {
			short = true
			break
		}
	}
	if !short {
		log.WithField("per_member", perMember).Debug("Assignments already balanced")
		return
	}
	log.WithFields(log.Fields{"total": a.Total(), "members": len(members), "per_member": perMember}).
		Info("Rebalancing auctions")

	var pool []int64
	for _, m := range members {
		if surplus := len(a[m]) - perMember; surplus > 0 {
			pool = append(pool, a[m][:surplus]...)
			a[m] = append([]int64(nil), a[m][surplus:]...)
		}
	}

	for _, m := range members {
		for len(a[m]) < perMember && len(pool) > 0 {
			a[m] = append(a[m], pool[0])
			pool = pool[1:]
		}
	}

	AssignRoundRobin(a, members, pool)
}
