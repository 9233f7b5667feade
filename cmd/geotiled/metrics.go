package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var versionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "geotiled",
	Name:      "version",
	Help:      "App version.",
}, []string{"version"})
