package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/cluster"
	"github.com/alwitt/sirimux/common"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
)

// PollLoop periodic provider polling which only runs on the lease holder
type PollLoop interface {
	// Start begin polling
	Start() error
	// Stop stop polling and give up the lease
	Stop() error
	// Running whether the loop is active
	Running() bool
}

// pollLoopImpl implements PollLoop
type pollLoopImpl struct {
	goutils.Component
	rootCtxt context.Context
	// loopCtxt scope of the rounds, ended by Stop
	loopCtxt   context.Context
	loopCancel context.CancelFunc
	timer      common.IntervalTimer
	lease      cluster.LeaderLease
	interval   time.Duration
	round      workflow.Action
	lock       sync.Mutex
	stopped    bool
}

// GetPollLoop define a new poll loop
//
// Each tick first makes sure this instance holds the lease, then runs one poll round. A
// failed round releases the lease so another instance can take over.
func GetPollLoop(
	name string,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	lease cluster.LeaderLease,
	interval time.Duration,
	round workflow.Action,
) (PollLoop, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive: %s", interval)
	}
	timer, err := common.GetIntervalTimerInstance(name, rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "adapter", "component": "poll-loop", "instance": name,
	}
	loopCtxt, loopCancel := context.WithCancel(rootCtxt)
	return &pollLoopImpl{
		Component:  goutils.Component{LogTags: logTags},
		rootCtxt:   rootCtxt,
		loopCtxt:   loopCtxt,
		loopCancel: loopCancel,
		timer:      timer,
		lease:      lease,
		interval:   interval,
		round:      round,
	}, nil
}

// Start begin polling
func (p *pollLoopImpl) Start() error {
	return p.timer.Start(p.interval, p.tick, true)
}

// Stop stop polling and give up the lease. A round in progress is aborted.
func (p *pollLoopImpl) Stop() error {
	p.lock.Lock()
	p.stopped = true
	p.lock.Unlock()
	p.loopCancel()
	if err := p.timer.Stop(); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Unable to stop poll timer")
	}
	return p.lease.Release(context.Background())
}

// Running whether the loop is active
func (p *pollLoopImpl) Running() bool {
	return p.timer.Running()
}

func (p *pollLoopImpl) tick() error {
	// Stop must not run between the check and the acquisition
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		return nil
	}
	held, err := p.lease.Hold(p.loopCtxt)
	p.lock.Unlock()
	if err != nil {
		return err
	}
	if !held {
		log.WithFields(p.LogTags).Debug("Not the poll leader, skipping")
		return nil
	}
	if err := p.round(p.loopCtxt); err != nil {
		if p.loopCtxt.Err() != nil {
			log.WithError(err).WithFields(p.LogTags).Debug("Poll aborted by stop")
			return nil
		}
		log.WithError(err).WithFields(p.LogTags).Error("Poll failed, releasing leadership")
		if relErr := p.lease.Release(p.rootCtxt); relErr != nil {
			log.WithError(relErr).WithFields(p.LogTags).Error("Unable to release leadership")
		}
		return err
	}
	return nil
}
