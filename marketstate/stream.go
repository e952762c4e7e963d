package marketstate

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mev-cycle-searcher/metrics"
	"go.uber.org/zap"
)

var ErrSubscriptionClosed = errors.New("head subscription closed")

// HeadSubscriber is usually an ethclient.Client connected over websocket.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

type BlockEvent struct {
	Number      uint64
	Hash        common.Hash
	Time        uint64
	BaseFee     *big.Int
	NextBaseFee *big.Int
}

// BlockStream turns new head notifications into block events and fans them out. Subscribers
// that do not keep up miss events.
type BlockStream struct {
	log         *zap.Logger
	sub         HeadSubscriber
	chainConfig *params.ChainConfig

	mu          sync.Mutex
	subscribers []chan BlockEvent
	lastNumber  uint64
}

func NewBlockStream(log *zap.Logger, sub HeadSubscriber, chainConfig *params.ChainConfig) *BlockStream {
	if chainConfig == nil {
		chainConfig = params.MainnetChainConfig
	}
	return &BlockStream{
		log:         log,
		sub:         sub,
		chainConfig: chainConfig,
	}
}

// Subscribe returns a channel of block events with the given buffer. It is closed when Run
// returns.
func (s *BlockStream) Subscribe(buffer int) <-chan BlockEvent {
	ch := make(chan BlockEvent, buffer)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Event converts a header to a block event. NextBaseFee is nil for pre-London headers.
func (s *BlockStream) Event(header *types.Header) BlockEvent {
	ev := BlockEvent{
		Number:  header.Number.Uint64(),
		Hash:    header.Hash(),
		Time:    header.Time,
		BaseFee: header.BaseFee,
	}
	if header.BaseFee != nil {
		ev.NextBaseFee = eip1559.CalcBaseFee(s.chainConfig, header)
	}
	return ev
}

func (s *BlockStream) publish(ev BlockEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// reorgs and resubscriptions may repeat heights
	if ev.Number <= s.lastNumber {
		return
	}
	s.lastNumber = ev.Number
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			metrics.IncBlockEventsDropped()
			s.log.Debug("Dropped block event", zap.Uint64("block", ev.Number))
		}
	}
}

func (s *BlockStream) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}

// Run subscribes to new heads and resubscribes with backoff whenever the subscription fails,
// until ctx is done.
func (s *BlockStream) Run(ctx context.Context) error {
	defer s.closeSubscribers()

	back := backoff.NewExponentialBackOff()
	back.MaxInterval = 5 * time.Second
	back.MaxElapsedTime = 0

	for ctx.Err() == nil {
		var sub ethereum.Subscription
		headers := make(chan *types.Header, 16)
		err := backoff.RetryNotify(func() error {
			var err error
			sub, err = s.sub.SubscribeNewHead(ctx, headers)
			return err
		}, backoff.WithContext(back, ctx), func(err error, next time.Duration) {
			s.log.Warn("Failed to subscribe to new heads", zap.Error(err), zap.Duration("retryIn", next))
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		back.Reset()
		s.log.Info("Subscribed to new heads")

		err = s.consume(ctx, sub, headers)
		sub.Unsubscribe()
		if err != nil {
			s.log.Warn("Head subscription failed, resubscribing", zap.Error(err))
		}
	}
	return nil
}

func (s *BlockStream) consume(ctx context.Context, sub ethereum.Subscription, headers <-chan *types.Header) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			// headers delivered before the failure are still valid
			for drained := false; !drained; {
				select {
				case header := <-headers:
					s.handle(header)
				default:
					drained = true
				}
			}
			if !ok || err == nil {
				return ErrSubscriptionClosed
			}
			return err
		case header := <-headers:
			s.handle(header)
		}
	}
}

func (s *BlockStream) handle(header *types.Header) {
	if header == nil || header.Number == nil {
		return
	}
	ev := s.Event(header)
	s.log.Debug("New block", zap.Uint64("block", ev.Number), zap.Stringer("baseFee", ev.BaseFee))
	s.publish(ev)
}
