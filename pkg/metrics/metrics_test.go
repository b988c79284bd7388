// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/wsmux/pkg/upgrade"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision(upgrade.Decision{Outcome: upgrade.Proceed})
		m.ConnectionOpened("l")
		m.ConnectionClosed("l", time.Now())
		m.HandshakeFailed("l")
		m.ListenerAttached(nil)
		m.ListenerDetached("l", nil)
		m.ObserveStop(time.Now())
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.ObserveDecision(upgrade.Decision{Outcome: upgrade.Reject, Reason: upgrade.ReasonNoListener})
	m.ObserveDecision(upgrade.Decision{Outcome: upgrade.Reject, Reason: upgrade.ReasonNoListener})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("reject", upgrade.ReasonNoListener)))

	m.ConnectionOpened("chat")
	m.ConnectionOpened("chat")
	m.ConnectionClosed("chat", time.Now())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("chat")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TotalConnections.WithLabelValues("chat")))

	m.ListenerAttached(nil)
	m.ListenerAttached(errors.New("bind"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttachedListeners))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttachFailures))

	m.ListenerDetached("chat", errors.New("close"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AttachedListeners))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DetachFailures.WithLabelValues("chat")))

	m.ObserveStop(time.Now())
	assert.Equal(t, 1, testutil.CollectAndCount(m.StopDuration))
}
