package pipeline

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/marketstate"
	"go.uber.org/zap"
)

type Config struct {
	CandidatesBuffer int
	PlansBuffer      int
}

var DefaultConfig = Config{
	CandidatesBuffer: 64,
	PlansBuffer:      16,
}

// Sources are the upstream event channels. Closing Changes stops the pipeline.
type Sources struct {
	Blocks  <-chan marketstate.BlockEvent
	Changes <-chan []common.Address
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

type Pipeline struct {
	log       *zap.Logger
	cfg       Config
	searcher  *Searcher
	resolver  *Resolver
	submitter *Submitter

	tasks []task
}

func New(log *zap.Logger, cfg Config, searcher *Searcher, resolver *Resolver, submitter *Submitter) *Pipeline {
	return &Pipeline{
		log:       log,
		cfg:       cfg,
		searcher:  searcher,
		resolver:  resolver,
		submitter: submitter,
	}
}

// Go registers an extra task, such as the block stream or the market syncer, that runs next to
// the stages.
func (p *Pipeline) Go(name string, run func(ctx context.Context) error) {
	p.tasks = append(p.tasks, task{name: name, run: run})
}

// Run starts all tasks and blocks until every one of them has returned. Tasks are not
// restarted.
func (p *Pipeline) Run(ctx context.Context, src Sources) {
	candidates := make(chan Candidate, p.cfg.CandidatesBuffer)
	plans := make(chan TradePlan, p.cfg.PlansBuffer)

	tasks := append([]task{}, p.tasks...)
	tasks = append(tasks,
		task{name: "searcher", run: func(ctx context.Context) error {
			return p.searcher.Run(ctx, src.Changes, candidates)
		}},
		task{name: "resolver", run: func(ctx context.Context) error {
			return p.resolver.Run(ctx, candidates, plans)
		}},
		task{name: "submitter", run: func(ctx context.Context) error {
			return p.submitter.Run(ctx, src.Blocks, plans)
		}},
	)

	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := t.run(ctx)
			if err != nil {
				p.log.Error("Task failed", zap.String("task", t.name), zap.Error(err))
				return
			}
			p.log.Info("Task finished", zap.String("task", t.name))
		}()
	}
	p.log.Info("Pipeline started", zap.Int("tasks", len(tasks)))
	wg.Wait()
	p.log.Info("Pipeline stopped")
}
