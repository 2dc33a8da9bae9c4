package ops

import (
	"encoding/binary"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/operation"
)

// EventsHandler reacts to decoded bridge contract events: mint confirmations
// close deposits, burns open withdrawals, notifications open deposits or
// reschedule stuck operations.
type EventsHandler struct {
	rt        *Runtime
	store     *operation.Store
	scheduler taskScheduler
}

func NewEventsHandler(rt *Runtime, store *operation.Store, scheduler taskScheduler) *EventsHandler {
	return &EventsHandler{rt: rt, store: store, scheduler: scheduler}
}

// HandleMinted closes the deposit whose nonce the mint carried.
func (h *EventsHandler) HandleMinted(event *agreement.MintTokenEvent) error {
	id, ok, err := h.store.FindByNonce(event.Recipient, event.Nonce)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warnf("mint event for unknown nonce %d of %s", event.Nonce, event.Recipient)
		return nil
	}

	op, ok, err := h.store.Get(id)
	if err != nil || !ok {
		return err
	}
	deposit, isDeposit := op.(*DepositOp)
	if !isDeposit || deposit.IsComplete() {
		return nil
	}

	next := *deposit
	next.Stage = StageMintOrderConfirmed
	next.Event = event
	if err := h.store.Update(id, &next); err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"op":    id,
		"nonce": event.Nonce,
	}).Info("deposit mint confirmed")
	return nil
}

// HandleBurnt opens a withdrawal for the burnt value. The burn's memo makes
// replayed events idempotent: one memo, one operation per wallet.
func (h *EventsHandler) HandleBurnt(event *agreement.BurnTokenEvent) error {
	memo := agreement.Memo(event.Memo)
	if memo != (agreement.Memo{}) {
		_, _, exists, err := h.store.GetByMemoAndUser(memo, event.Sender)
		if err != nil {
			return err
		}
		if exists {
			logger.Debugf("burn with known memo ignored: %x", memo[:8])
			return nil
		}
	}

	withdrawal, err := NewWithdrawal(h.rt, event)
	if err != nil {
		return err
	}

	var memoPtr *agreement.Memo
	if memo != (agreement.Memo{}) {
		memoPtr = &memo
	}
	id, err := h.store.NewOperation(withdrawal, memoPtr)
	if err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"op":    id,
		"asset": withdrawal.Asset,
	}).Info("withdrawal opened from burn")
	return h.scheduler.ScheduleOperation(id, withdrawal.SchedulingOptions())
}

// HandleNotify processes user notifications: deposit requests and operation
// reschedules.
func (h *EventsHandler) HandleNotify(event *agreement.NotifyMinterEvent) error {
	switch event.NotificationType {
	case agreement.NotificationTypeDeposit:
		return h.handleDepositNotification(event)
	case agreement.NotificationTypeReschedule:
		return h.handleReschedule(event)
	default:
		logger.Warnf("notification type %d ignored", event.NotificationType)
		return nil
	}
}

func (h *EventsHandler) handleDepositNotification(event *agreement.NotifyMinterEvent) error {
	request, err := agreement.DecodeDepositRequest(event.UserData)
	if err != nil {
		logger.Warnf("malformed deposit request from %s: %v", event.TxSender, err)
		return nil
	}

	// approve-after-mint lets the recipient pre-authorize a spender; a
	// third party must not attach one to someone else's deposit
	if event.TxSender != request.DstAddress {
		request.ApproveSpender = ethcommon.Address{}
		request.ApproveAmount = nil
	}

	memo := agreement.Memo(event.Memo)
	var memoPtr *agreement.Memo
	if memo != (agreement.Memo{}) {
		_, _, exists, err := h.store.GetByMemoAndUser(memo, request.DstAddress)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		memoPtr = &memo
	}

	deposit := NewDeposit(h.rt, *request)
	id, err := h.store.NewOperation(deposit, memoPtr)
	if err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"op":   id,
		"tick": request.Tick,
	}).Info("deposit opened from notification")
	return h.scheduler.ScheduleOperation(id, deposit.SchedulingOptions())
}

func (h *EventsHandler) handleReschedule(event *agreement.NotifyMinterEvent) error {
	if len(event.UserData) != 8 {
		logger.Warnf("reschedule notification with %d byte payload ignored", len(event.UserData))
		return nil
	}
	id := operation.OperationId(binary.BigEndian.Uint64(event.UserData))

	op, ok, err := h.store.Get(id)
	if err != nil {
		return err
	}
	if !ok || op.IsComplete() {
		return nil
	}
	// only the operation's owner may kick it
	if op.EVMAddress() != event.TxSender {
		logger.Warnf("reschedule of %s by non-owner %s denied", id, event.TxSender)
		return nil
	}

	opts := op.SchedulingOptions()
	if opts == nil {
		opts = operation.DefaultOperationOptions()
	}
	logger.Infof("operation %s rescheduled by owner", id)
	return h.scheduler.ScheduleOperation(id, opts)
}
