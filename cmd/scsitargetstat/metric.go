package main

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {
}

func outputMetrics(state Devices) {
	var (
		mDeviceInfo = prometheus.NewDesc(
			"scsitarget_device_info",
			"Info metric regarding the emulated target devices",
			[]string{"device", "personality"}, nil,
		)
		mDeviceBlocks = prometheus.NewDesc(
			"scsitarget_device_blocks",
			"Number of logical blocks the device exposes",
			[]string{"device"}, nil,
		)
		mDeviceBlockSize = prometheus.NewDesc(
			"scsitarget_device_block_size_bytes",
			"Logical block size of the device in bytes",
			[]string{"device"}, nil,
		)
		mTrayOpen = prometheus.NewDesc(
			"scsitarget_tray_open",
			"Boolean describing whether a removable device's tray is open",
			[]string{"device"}, nil,
		)
	)
	mc := &metricCollector{}
	for _, s := range state {
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mDeviceInfo, prometheus.GaugeValue, 1,
				s.Device, s.Personality))
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mDeviceBlocks, prometheus.GaugeValue,
				float64(s.Blocks), s.Device))
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mDeviceBlockSize, prometheus.GaugeValue,
				float64(s.BlockSize), s.Device))

		trayOpen := float64(0)
		if s.TrayOpen {
			trayOpen = 1
		}
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mTrayOpen, prometheus.GaugeValue, trayOpen, s.Device))
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("Failed to serialize metrics: %v", err)
		}
	}
}
