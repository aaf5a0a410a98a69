package coordination

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Bucket names
const (
	MembersBucket     = "liveauction-members"
	LeaderBucket      = "liveauction-leader"
	AssignmentsBucket = "liveauction-assignments"

	leaderKey = "leader"
)

// Service provides group membership, leader election and the per-node
// assignment area on top of JetStream key/value buckets.
//
// Membership is a key per node in a bucket whose entries expire after
// the member TTL; a heartbeat keeps the node's key alive. Leadership is
// a lease key created with Create and renewed with a revision checked
// Update, so at most one node holds it at a time.
type Service struct {
	nodeID      string
	members     jetstream.KeyValue
	leader      jetstream.KeyValue
	assignments jetstream.KeyValue
	memberTTL   time.Duration
	leaderTTL   time.Duration

	isLeader atomic.Bool

	mu            sync.Mutex
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}
}

// New creates the buckets if needed
func New(ctx context.Context, js jetstream.JetStream, nodeID string, memberTTL, leaderTTL time.Duration) (*Service, error) {
	members, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      MembersBucket,
		Description: "Live auction group members",
		TTL:         memberTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bucket %s", MembersBucket)
	}

	leader, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      LeaderBucket,
		Description: "Live auction leader lease",
		TTL:         leaderTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bucket %s", LeaderBucket)
	}

	assignments, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      AssignmentsBucket,
		Description: "Auction ids owned by each node",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bucket %s", AssignmentsBucket)
	}

	return &Service{
		nodeID:      nodeID,
		members:     members,
		leader:      leader,
		assignments: assignments,
		memberTTL:   memberTTL,
		leaderTTL:   leaderTTL,
	}, nil
}

// NodeID returns this node's member name
func (s *Service) NodeID() string {
	return s.nodeID
}

// Join registers the node as a group member, creates its empty
// assignment entry if missing, and keeps the membership alive until
// Leave or ctx is done.
func (s *Service) Join(ctx context.Context) error {
	if _, err := s.members.Put(ctx, s.nodeID, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return errors.Wrap(err, "failed to register member")
	}
	if _, err := s.assignments.Create(ctx, s.nodeID, nil); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return errors.Wrap(err, "failed to create assignment entry")
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.stopHeartbeat = cancel
	s.heartbeatDone = done
	s.mu.Unlock()

	go s.heartbeat(hbCtx, done)
	log.WithField("node", s.nodeID).Info("Joined live auction group")
	return nil
}

func (s *Service) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.memberTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.members.Put(ctx, s.nodeID, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
				log.WithError(err).WithField("node", s.nodeID).Warn("Membership heartbeat failed")
			}
		}
	}
}

// Leave stops the heartbeat and removes the node from the group
func (s *Service) Leave(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.stopHeartbeat, s.heartbeatDone
	s.stopHeartbeat, s.heartbeatDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := s.members.Delete(ctx, s.nodeID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.Wrap(err, "failed to leave group")
	}
	log.WithField("node", s.nodeID).Info("Left live auction group")
	return nil
}

func keys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	ks, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(ks)
	return ks, nil
}

// Members lists live group members in name order
func (s *Service) Members(ctx context.Context) ([]string, error) {
	ms, err := keys(ctx, s.members)
	return ms, errors.Wrap(err, "failed to list members")
}

// AssignmentNodes lists nodes that have an assignment entry
func (s *Service) AssignmentNodes(ctx context.Context) ([]string, error) {
	ns, err := keys(ctx, s.assignments)
	return ns, errors.Wrap(err, "failed to list assignment entries")
}

// ReadAssignment returns the raw assignment of a node, empty if it has none
func (s *Service) ReadAssignment(ctx context.Context, node string) (string, error) {
	entry, err := s.assignments.Get(ctx, node)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read assignment of %s", node)
	}
	return string(entry.Value()), nil
}

// WriteAssignment replaces a node's assignment
func (s *Service) WriteAssignment(ctx context.Context, node, value string) error {
	_, err := s.assignments.Put(ctx, node, []byte(value))
	return errors.Wrapf(err, "failed to write assignment of %s", node)
}

// DeleteAssignment removes a departed node's entry
func (s *Service) DeleteAssignment(ctx context.Context, node string) error {
	err := s.assignments.Delete(ctx, node)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return errors.Wrapf(err, "failed to delete assignment of %s", node)
}

// WatchAssignment calls fn with the node's current assignment and with
// every later change until ctx is done. A deleted entry is reported as
// an empty assignment.
func (s *Service) WatchAssignment(ctx context.Context, node string, fn func(value string)) error {
	w, err := s.assignments.Watch(ctx, node)
	if err != nil {
		return errors.Wrapf(err, "failed to watch assignment of %s", node)
	}

	go func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values
				if entry == nil {
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					fn("")
				default:
					fn(string(entry.Value()))
				}
			}
		}
	}()
	return nil
}

// WatchMembers polls the member list and calls fn with the new list
// whenever it differs from the previous poll. Expired members do not
// produce watch events, so the list is polled.
func (s *Service) WatchMembers(ctx context.Context, interval time.Duration, fn func(members []string)) {
	last, err := s.Members(ctx)
	if err != nil {
		log.WithError(err).Warn("Initial member list failed")
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := s.Members(ctx)
				if err != nil {
					log.WithError(err).Warn("Member poll failed")
					continue
				}
				if !equal(last, current) {
					log.WithFields(log.Fields{"before": last, "after": current}).Info("Group membership changed")
					last = current
					fn(current)
				}
			}
		}
	}()
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsLeader reports whether this node currently holds the leader lease
func (s *Service) IsLeader() bool {
	return s.isLeader.Load()
}

// CampaignLeader competes for leadership until ctx is done. Each time the
// lease is won, onElected runs with a context that is cancelled when the
// lease is lost; the lease is released when onElected returns.
func (s *Service) CampaignLeader(ctx context.Context, onElected func(ctx context.Context)) {
	retry := time.NewTicker(s.leaderTTL / 3)
	defer retry.Stop()

	for {
		rev, err := s.leader.Create(ctx, leaderKey, []byte(s.nodeID))
		switch {
		case err == nil:
			s.lead(ctx, rev, onElected)
		case errors.Is(err, jetstream.ErrKeyExists):
		default:
			if ctx.Err() == nil {
				log.WithError(err).Warn("Leader campaign failed")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-retry.C:
		}
	}
}

func (s *Service) lead(ctx context.Context, rev uint64, onElected func(ctx context.Context)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lease atomic.Uint64
	lease.Store(rev)

	s.isLeader.Store(true)
	defer s.isLeader.Store(false)
	log.WithField("node", s.nodeID).Info("Elected leader")

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(s.leaderTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaderCtx.Done():
				return
			case <-ticker.C:
				next, err := s.leader.Update(leaderCtx, leaderKey, []byte(s.nodeID), lease.Load())
				if err != nil {
					if leaderCtx.Err() == nil {
						log.WithError(err).WithField("node", s.nodeID).Warn("Lost leader lease")
					}
					cancel()
					return
				}
				lease.Store(next)
			}
		}
	}()

	onElected(leaderCtx)
	cancel()
	<-renewed

	releaseCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := s.leader.Delete(releaseCtx, leaderKey, jetstream.LastRevision(lease.Load())); err != nil {
		log.WithError(err).Debug("Leader lease not released")
	}
	log.WithField("node", s.nodeID).Info("Stepped down as leader")
}
