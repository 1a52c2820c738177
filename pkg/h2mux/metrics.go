package h2mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "h2mux_streams_active",
			Help: "Current number of live streams across all sessions",
		},
	)

	streamsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_streams_total",
			Help: "Total number of streams created",
		},
	)

	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2mux_frames_received_total",
			Help: "Total number of fully processed inbound frames",
		},
		[]string{"type"},
	)

	dataBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_data_bytes_received_total",
			Help: "Total DATA payload bytes delivered to consumers",
		},
	)

	bytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_bytes_sent_total",
			Help: "Total serialized bytes handed to the transport",
		},
	)

	sendFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_send_flushes_total",
			Help: "Total send buffers flushed to the transport",
		},
	)
)
