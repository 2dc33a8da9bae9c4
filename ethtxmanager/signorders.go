// Package ethtxmanager runs the services that carry signed mint orders onto
// the EVM chain and keep the cached chain parameters fresh.
package ethtxmanager

import (
	"context"
	"sort"
	"sync"

	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/ops"
	"github.com/btfbridge-io/bridge-go/order"
	"github.com/btfbridge-io/bridge-go/signer"
)

// maxOrdersPerBatch bounds one batchMint call.
const maxOrdersPerBatch = 16

// batchSink receives a signed batch for submission.
type batchSink interface {
	PushBatch(ids []operation.OperationId, signed *order.SignedOrders)
}

// SignOrdersService collects mint orders released by deposits, signs them in
// batches with one signature over the concatenated encodings, and hands the
// batch to the mint transaction service.
type SignOrdersService struct {
	mu      sync.Mutex
	pending map[operation.OperationId]order.MintOrder

	store  *operation.Store
	signer signer.Signer
	sink   batchSink
}

func NewSignOrdersService(store *operation.Store, sgn signer.Signer, sink batchSink) *SignOrdersService {
	return &SignOrdersService{
		pending: make(map[operation.OperationId]order.MintOrder),
		store:   store,
		signer:  sgn,
		sink:    sink,
	}
}

// PushOperation queues the order of a confirmed deposit. Pushing the same
// operation again overwrites the previous order.
func (s *SignOrdersService) PushOperation(id operation.OperationId, ord order.MintOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = ord
}

// PendingCount reports the queued order count.
func (s *SignOrdersService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run signs one batch. Orders stay queued until the batch was both signed
// and recorded on every member operation, so a failed round retries whole.
func (s *SignOrdersService) Run(ctx context.Context) error {
	ids, ordersData := s.takeBatch()
	if len(ids) == 0 {
		return nil
	}

	signed, err := s.signBatch(ordersData)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.markSigned(id, signed); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	logger.WithFields(logger.Fields{
		"orders": len(ids),
		"digest": signed.Digest(),
	}).Info("mint order batch signed")

	s.sink.PushBatch(ids, signed)
	return nil
}

// takeBatch snapshots up to maxOrdersPerBatch queued orders in id order. The
// ordering makes a retried batch produce the same digest.
func (s *SignOrdersService) takeBatch() ([]operation.OperationId, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]operation.OperationId, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > maxOrdersPerBatch {
		ids = ids[:maxOrdersPerBatch]
	}

	data := make([]byte, 0, len(ids)*order.EncodedDataSize)
	for _, id := range ids {
		mo := s.pending[id]
		encoded := mo.Encode()
		data = append(data, encoded[:]...)
	}
	return ids, data
}

func (s *SignOrdersService) signBatch(ordersData []byte) (*order.SignedOrders, error) {
	unsigned := &order.SignedOrders{OrdersData: ordersData}
	signature, err := s.signer.SignDigest([32]byte(unsigned.Digest()))
	if err != nil {
		return nil, err
	}
	return order.NewSignedOrders(ordersData, signature)
}

func (s *SignOrdersService) markSigned(id operation.OperationId, signed *order.SignedOrders) error {
	op, ok, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warnf("signed order for unknown operation %d dropped", id)
		return nil
	}
	deposit, isDeposit := op.(*ops.DepositOp)
	if !isDeposit || deposit.Stage != ops.StageSignMintOrder {
		return nil
	}

	next := *deposit
	next.Stage = ops.StageSendMintOrder
	next.Signed = signed
	return s.store.Update(id, &next)
}
