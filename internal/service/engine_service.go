package service

import (
	"sync"
	"time"

	"github.com/harbordb/kvengine/internal/collections"
	"github.com/harbordb/kvengine/internal/durability"
	"github.com/harbordb/kvengine/internal/errors"
	"github.com/harbordb/kvengine/internal/failover"
	"github.com/harbordb/kvengine/internal/metrics"
	"github.com/harbordb/kvengine/internal/model"
	"github.com/harbordb/kvengine/internal/validation"
	"github.com/harbordb/kvengine/internal/vbucket"
	"go.uber.org/zap"
)

// EngineConfig holds engine service configuration
type EngineConfig struct {
	NodeID             string
	NumVBuckets        int
	MaxReplicas        int
	FailoverMaxEntries int
	DefaultTimeout     time.Duration
}

// EngineService is the orchestration layer over the bucket's vbuckets:
// it routes durable writes and acknowledgements, installs topologies
// and manifest successors, and feeds the stats surface.
type EngineService struct {
	config    *EngineConfig
	vbMap     *vbucket.Map
	manifests *collections.Holder
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// pending maps a client cookie to its prepare time, so terminal
	// outcomes can observe commit latency. Cookies must be comparable.
	pendingMu sync.Mutex
	pending   map[interface{}]time.Time
}

// NewEngineService creates the engine service and its vbucket map.
func NewEngineService(cfg *EngineConfig, m *metrics.Metrics, logger *zap.Logger) *EngineService {
	s := &EngineService{
		config:    cfg,
		manifests: collections.NewHolder(logger),
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
		pending:   make(map[interface{}]time.Time),
	}
	s.vbMap = vbucket.NewMap(cfg.NumVBuckets, func(id uint16) *vbucket.VBucket {
		return vbucket.New(vbucket.Config{
			ID:                 id,
			State:              model.VBucketStateActive,
			FailoverMaxEntries: cfg.FailoverMaxEntries,
			MaxReplicas:        cfg.MaxReplicas,
			Manifests:          s.manifests,
			Notify:             s.notifyClient,
			Logger:             logger,
		})
	})
	return s
}

// VBuckets exposes the vbucket map.
func (s *EngineService) VBuckets() *vbucket.Map {
	return s.vbMap
}

// Manifests exposes the manifest holder.
func (s *EngineService) Manifests() *collections.Holder {
	return s.manifests
}

// notifyClient is the vbucket notification hook: it resolves the
// waiting client and records the outcome.
func (s *EngineService) notifyClient(cookie interface{}, outcome model.OperationType, key string, seqno int64) {
	s.pendingMu.Lock()
	start, ok := s.pending[cookie]
	if ok {
		delete(s.pending, cookie)
	}
	s.pendingMu.Unlock()

	switch outcome {
	case model.OperationTypeCommit:
		s.metrics.SyncWritesCommitted.Inc()
		if ok {
			s.metrics.CommitLatency.Observe(time.Since(start).Seconds())
		}
	case model.OperationTypeAbort:
		s.metrics.SyncWritesAborted.Inc()
	}

	s.logger.Debug("Resolved durable write",
		zap.String("outcome", outcome.String()),
		zap.String("key", key),
		zap.Int64("seqno", seqno))
}

// PrepareDurable validates and routes a durable write, returning the
// vbucket it landed on and the seqno it was stamped with.
func (s *EngineService) PrepareDurable(cookie interface{}, key string, reqs model.Requirements) (uint16, int64, error) {
	if err := s.validator.ValidatePrepare(key, reqs); err != nil {
		return 0, 0, err
	}
	if reqs.Timeout == 0 && s.config.DefaultTimeout > 0 {
		reqs.Timeout = uint32(s.config.DefaultTimeout / time.Millisecond)
	}

	vb := s.vbMap.VBucketForKey(key)

	s.pendingMu.Lock()
	s.pending[cookie] = time.Now()
	s.pendingMu.Unlock()

	seqno, err := vb.AddPrepare(cookie, key, reqs)
	if err != nil {
		s.pendingMu.Lock()
		delete(s.pending, cookie)
		s.pendingMu.Unlock()
		if errors.GetCode(err) == errors.ErrCodeDurabilityImpossible {
			s.metrics.DurabilityImpossible.Inc()
		}
		return 0, 0, err
	}
	s.metrics.SyncWritesAdded.Inc()
	return vb.ID(), seqno, nil
}

// ReceiveSeqnoAck feeds a replica acknowledgement to a vbucket.
func (s *EngineService) ReceiveSeqnoAck(vbID uint16, node string, preparedSeqno int64) error {
	if err := s.validator.ValidateNodeID(node); err != nil {
		return err
	}
	vb, err := s.vbMap.Get(vbID)
	if err != nil {
		return err
	}
	if err := vb.ReceiveAck(node, preparedSeqno); err != nil {
		return err
	}
	s.metrics.SeqnoAcksReceived.Inc()
	return nil
}

// NotifyPersistence records a local flush on a vbucket.
func (s *EngineService) NotifyPersistence(vbID uint16, persistedSeqno int64) error {
	vb, err := s.vbMap.Get(vbID)
	if err != nil {
		return err
	}
	return vb.NotifyFlush(persistedSeqno)
}

// SetReplicationTopology parses, validates and installs a topology on a
// vbucket.
func (s *EngineService) SetReplicationTopology(vbID uint16, doc []byte) error {
	chains, err := durability.ParseTopology(doc)
	if err != nil {
		return err
	}
	if err := s.validator.ValidateTopology(chains, s.config.MaxReplicas); err != nil {
		return err
	}
	vb, err := s.vbMap.Get(vbID)
	if err != nil {
		return err
	}
	if err := vb.Monitor().SetReplicationTopology(chains); err != nil {
		return err
	}
	s.metrics.TopologyChangesTotal.Inc()
	return nil
}

// ApplyManifest parses a manifest document and installs it as the
// bucket's current manifest if it is a valid successor.
func (s *EngineService) ApplyManifest(doc []byte) error {
	candidate, err := collections.NewManifest(doc)
	if err != nil {
		return err
	}
	if err := s.manifests.Install(candidate); err != nil {
		s.metrics.ManifestRejectionsTotal.Inc()
		return err
	}
	s.metrics.ManifestUpdatesTotal.Inc()
	s.metrics.ManifestUID.Set(float64(candidate.UID()))
	s.metrics.ScopesTotal.Set(float64(candidate.NumScopes()))
	s.metrics.CollectionsTotal.Set(float64(candidate.NumCollections()))
	return nil
}

// ReplaceFailoverTable installs a failover log received from the wire
// on a vbucket, replacing its local history.
func (s *EngineService) ReplaceFailoverTable(vbID uint16, packed []byte) error {
	vb, err := s.vbMap.Get(vbID)
	if err != nil {
		return err
	}
	if err := vb.FailoverTable().ReplaceFailoverLog(packed); err != nil {
		return err
	}
	s.metrics.FailoverTableReplaced.Inc()
	return nil
}

// StreamRequest arbitrates a stream-resume request against a vbucket's
// failover history.
func (s *EngineService) StreamRequest(vbID uint16, startSeqno, vbUUID, snapStart, snapEnd uint64,
	maxCollectionHighSeqno *uint64) (failover.RollbackResult, error) {
	vb, err := s.vbMap.Get(vbID)
	if err != nil {
		return failover.RollbackResult{}, err
	}
	res := vb.StreamRequest(startSeqno, vbUUID, snapStart, snapEnd, maxCollectionHighSeqno)
	if res.Required {
		reason := "history_mismatch"
		if res.RollbackSeqno == 0 {
			reason = "no_common_history"
		}
		s.metrics.RollbacksRequiredTotal.WithLabelValues(reason).Inc()
	}
	return res, nil
}

// NodeDown logs how many vbuckets have the departed node in their first
// chain; their durable writes stall until a topology change removes it.
func (s *EngineService) NodeDown(node string) {
	affected := 0
	s.vbMap.ForEach(func(vb *vbucket.VBucket) {
		for _, n := range vb.Monitor().ChainNodes() {
			if n == node {
				affected++
				return
			}
		}
	})
	if affected > 0 {
		s.logger.Warn("Chain node left the cluster",
			zap.String("node", node),
			zap.Int("affected_vbuckets", affected))
	}
}

// CollectStats refreshes the gauge surface from the vbucket map.
func (s *EngineService) CollectStats() {
	var tracked, failoverEntries int
	var active, replica int
	var highSeqno, persistedSeqno int64
	s.vbMap.ForEach(func(vb *vbucket.VBucket) {
		tracked += vb.Monitor().NumTracked()
		failoverEntries += vb.FailoverTable().NumEntries()
		switch vb.State() {
		case model.VBucketStateActive:
			active++
		case model.VBucketStateReplica:
			replica++
		}
		if h := vb.HighSeqno(); h > highSeqno {
			highSeqno = h
		}
		if p := vb.PersistenceSeqno(); p > persistedSeqno {
			persistedSeqno = p
		}
	})
	s.metrics.SyncWritesTracked.Set(float64(tracked))
	s.metrics.FailoverEntriesTotal.Set(float64(failoverEntries))
	s.metrics.VBucketsActive.Set(float64(active))
	s.metrics.VBucketsReplica.Set(float64(replica))
	s.metrics.HighSeqno.Set(float64(highSeqno))
	s.metrics.PersistedSeqno.Set(float64(persistedSeqno))
}
