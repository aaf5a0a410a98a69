package liveauction

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
)

// lead runs while this node holds leadership. It reconciles assignments
// after membership changes settle and periodically assigns auctions that
// are running or about to start.
func (s *Service) lead(ctx context.Context) {
	logger := log.WithField("node", s.NodeID())
	logger.Info("Taking over auction assignment")

	changed := make(chan struct{}, 1)
	s.coord.WatchMembers(ctx, s.opts.MemberPollInterval, func([]string) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := s.membershipPass(ctx); err != nil {
		logger.WithError(err).Error("Initial membership reconciliation failed")
	}
	if err := s.assignPass(ctx); err != nil {
		logger.WithError(err).Error("Initial auction assignment failed")
	}

	ticker := time.NewTicker(s.opts.AuctionQueueUpdateDelay)
	defer ticker.Stop()

	var settle *time.Timer
	var settled <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stepping down from auction assignment")
			return
		case <-changed:
			// a burst of changes is handled once
			if settle != nil {
				settle.Stop()
			}
			settle = time.NewTimer(s.opts.MembershipChangeDelay)
			settled = settle.C
		case <-settled:
			settle, settled = nil, nil
			if err := s.membershipPass(ctx); err != nil {
				logger.WithError(err).Error("Membership reconciliation failed")
			}
		case <-ticker.C:
			if err := s.assignPass(ctx); err != nil {
				logger.WithError(err).Error("Auction assignment failed")
			}
		}
	}
}

// readAssignments loads every assignment entry
func (s *Service) readAssignments(ctx context.Context) (Assignments, error) {
	nodes, err := s.coord.AssignmentNodes(ctx)
	if err != nil {
		return nil, err
	}
	a := make(Assignments, len(nodes))
	for _, n := range nodes {
		v, err := s.coord.ReadAssignment(ctx, n)
		if err != nil {
			return nil, err
		}
		a[n] = ParseAssignment(v)
	}
	return a, nil
}

// liveMembers returns the sorted member list
func (s *Service) liveMembers(ctx context.Context) ([]string, error) {
	members, err := s.coord.Members(ctx)
	if err != nil {
		return nil, err
	}
	members = append([]string(nil), members...)
	sort.Strings(members)
	return members, nil
}

// membershipPass moves the auctions of departed nodes to live members,
// gives every new member an entry and rebalances.
func (s *Service) membershipPass(ctx context.Context) error {
	members, err := s.liveMembers(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list members")
	}
	current, err := s.readAssignments(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read assignments")
	}

	live := make(map[string]bool, len(members))
	for _, m := range members {
		live[m] = true
	}

	next := make(Assignments, len(members))
	var orphaned []int64
	var departed []string
	for node, ids := range current {
		if live[node] {
			next[node] = append([]int64(nil), ids...)
			continue
		}
		departed = append(departed, node)
		orphaned = append(orphaned, ids...)
	}
	sort.Strings(departed)
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })

	for _, node := range departed {
		log.WithFields(log.Fields{"node": node, "auctions": current[node]}).Warn("Node left the group, reassigning its auctions")
		if err := s.coord.DeleteAssignment(ctx, node); err != nil {
			return err
		}
	}

	AssignRoundRobin(next, members, orphaned)
	Rebalance(next, members)
	return s.writeChanged(ctx, members, current, next)
}

// assignPass hands unassigned running auctions and auctions starting
// within the next queue update period to live members.
func (s *Service) assignPass(ctx context.Context) error {
	members, err := s.liveMembers(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list members")
	}
	current, err := s.readAssignments(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read assignments")
	}

	running, err := s.store.AuctionIDsInState(ctx, models.AuctionRunning)
	if err != nil {
		return errors.Wrap(err, "failed to list running auctions")
	}
	upcoming, err := s.store.AuctionsStartingBefore(ctx, s.now().Add(s.opts.AuctionQueueUpdateDelay))
	if err != nil {
		return errors.Wrap(err, "failed to list upcoming auctions")
	}

	next := make(Assignments, len(members))
	for _, m := range members {
		next[m] = append([]int64(nil), current[m]...)
	}
	if err := s.pruneFinished(ctx, next); err != nil {
		return err
	}

	seen := make(map[int64]bool)
	var unassigned []int64
	for _, id := range append(running, upcoming...) {
		if seen[id] || current.Contains(id) {
			continue
		}
		seen[id] = true
		unassigned = append(unassigned, id)
	}
	sort.Slice(unassigned, func(i, j int) bool { return unassigned[i] < unassigned[j] })
	if len(unassigned) > 0 {
		log.WithField("auctions", unassigned).Info("Assigning new auctions")
	}

	AssignRoundRobin(next, members, unassigned)
	return s.writeChanged(ctx, members, current, next)
}

// pruneFinished drops completed and invalid auctions from the lists
func (s *Service) pruneFinished(ctx context.Context, a Assignments) error {
	finished := make(map[int64]bool)
	for _, state := range []models.AuctionState{models.AuctionComplete, models.AuctionInvalid} {
		ids, err := s.store.AuctionIDsInState(ctx, state)
		if err != nil {
			return errors.Wrapf(err, "failed to list %s auctions", state)
		}
		for _, id := range ids {
			finished[id] = true
		}
	}
	if len(finished) == 0 {
		return nil
	}
	for node, ids := range a {
		kept := ids[:0]
		for _, id := range ids {
			if !finished[id] {
				kept = append(kept, id)
			}
		}
		a[node] = kept
	}
	return nil
}

// writeChanged writes the entries of members whose list differs from
// the stored one. Members without an entry always get one.
func (s *Service) writeChanged(ctx context.Context, members []string, current, next Assignments) error {
	for _, m := range members {
		ids := append([]int64(nil), next[m]...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		value := FormatAssignment(ids)

		old, existed := current[m]
		if existed && FormatAssignment(old) == value {
			continue
		}
		if err := s.coord.WriteAssignment(ctx, m, value); err != nil {
			return err
		}
		log.WithFields(log.Fields{"node": m, "auctions": value}).Debug("Assignment written")
	}
	return nil
}
