package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

// Pusher periodically pushes the collector registry to a Prometheus Pushgateway.
type Pusher struct {
	logger   *logrus.Logger
	pusher   *push.Pusher
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPusher creates a new pusher
func NewPusher(logger *logrus.Logger, url, job string, gatherer prometheus.Gatherer, interval time.Duration, username, password string) (*Pusher, error) {
	if url == "" {
		return nil, fmt.Errorf("pushgateway URL cannot be empty")
	}
	if job == "" {
		job = "a2a_fabric"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	p := push.New(url, job).Gatherer(gatherer)
	if username != "" && password != "" {
		p = p.BasicAuth(username, password)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pusher{
		logger:   logger,
		pusher:   p,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start begins pushing metrics
func (p *Pusher) Start() {
	go p.pushLoop()
}

// Stop stops the pusher and waits for the loop to exit
func (p *Pusher) Stop() {
	p.cancel()
	<-p.done
}

func (p *Pusher) pushLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Push immediately on start
	p.pushOnce()

	for {
		select {
		case <-ticker.C:
			p.pushOnce()
		case <-p.ctx.Done():
			p.logger.Debug("Stopping metrics pusher")
			return
		}
	}
}

func (p *Pusher) pushOnce() {
	if err := p.pusher.PushContext(p.ctx); err != nil && p.ctx.Err() == nil {
		p.logger.Errorf("Failed to push metrics: %v", err)
	}
}
