// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scsitarget/scsi-target-core/pkg/config"
	"github.com/scsitarget/scsi-target-core/pkg/metrics"
	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

// cmdContext is threaded into every subcommand's Run, the same shape
// gosedctl's cmd.go uses even though today it carries nothing — a
// placeholder for flags that end up shared across subcommands later.
type cmdContext struct{}

type serveCmd struct {
	Config      string `required:"" type:"accessiblefile" help:"Path to a device-set YAML file."`
	Socket      string `default:"/run/scsitargetd.sock" help:"Control socket path."`
	MetricsAddr string `help:"If set, serve Prometheus metrics on this address (e.g. :9219)."`
	Token       string `type:"password" help:"Shared secret required on every control-socket command."`
}

func (c *serveCmd) Run(ctx *cmdContext) error {
	set, err := config.LoadFile(c.Config)
	if err != nil {
		return err
	}
	devices, err := set.BuildAll()
	if err != nil {
		return fmt.Errorf("scsitargetd: %w", err)
	}

	collector := metrics.NewCollector()
	for name, dev := range devices {
		dev.SetStats(acctAdapter{name: name, c: collector})
	}
	if c.MetricsAddr != "" {
		go serveMetrics(c.MetricsAddr, collector)
	}

	srv := NewServer(devices, collector, c.Token)
	fmt.Fprintf(os.Stderr, "scsitargetd: serving %d device(s) on %s\n", len(devices), c.Socket)
	return srv.ListenAndServe(c.Socket)
}

// acctAdapter bridges a device's accounting callbacks onto the shared
// collector under the device's configured name.
type acctAdapter struct {
	name string
	c    *metrics.Collector
}

func (a acctAdapter) Command(op byte)              { a.c.RecordCommand(a.name, op) }
func (a acctAdapter) AcctStart(isRead bool, n int) {}
func (a acctAdapter) AcctDone(isRead bool, n int)  { a.c.RecordBytes(a.name, isRead, n) }
func (a acctAdapter) Sense(code *sense.Code)       { a.c.RecordSense(a.name, code) }

func promClientRegistry(c *metrics.Collector) *prometheus.Registry {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)
	return reg
}

func serveMetrics(addr string, c *metrics.Collector) {
	reg := promClientRegistry(c)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	fmt.Fprintf(os.Stderr, "scsitargetd: serving metrics on %s\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "scsitargetd: metrics server: %v\n", err)
	}
}

// clientCmd is the shared shape of reserve/release/eject: dial the
// control socket, send one line, print the reply.
type clientCmd struct {
	Socket string `default:"/run/scsitargetd.sock" help:"Control socket path."`
	Token  string `type:"password" help:"Shared secret, if the daemon requires one."`
}

func (c *clientCmd) send(line string) error {
	conn, err := net.Dial("unix", c.Socket)
	if err != nil {
		return fmt.Errorf("scsitargetd: dial %q: %w", c.Socket, err)
	}
	defer conn.Close()

	if c.Token != "" {
		line += " TOKEN:" + c.Token
	}
	if _, err := fmt.Fprintln(conn, line); err != nil {
		return err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	fmt.Print(reply)
	return nil
}

type reserveCmd struct {
	clientCmd
	Device    string `arg:"" help:"Device name."`
	Initiator string `arg:"" help:"Initiator identity to reserve on behalf of."`
}

func (c *reserveCmd) Run(ctx *cmdContext) error {
	return c.send(fmt.Sprintf("RESERVE %s %s", c.Device, c.Initiator))
}

type releaseCmd struct {
	clientCmd
	Device    string `arg:"" help:"Device name."`
	Initiator string `arg:"" help:"Initiator identity releasing the reservation."`
}

func (c *releaseCmd) Run(ctx *cmdContext) error {
	return c.send(fmt.Sprintf("RELEASE %s %s", c.Device, c.Initiator))
}

type ejectCmd struct {
	clientCmd
	Device string `arg:"" help:"Device name."`
}

func (c *ejectCmd) Run(ctx *cmdContext) error {
	return c.send(fmt.Sprintf("EJECT %s", c.Device))
}

type statusCmd struct {
	clientCmd
}

func (c *statusCmd) Run(ctx *cmdContext) error {
	return c.send("STATUS")
}

var cli struct {
	Serve   serveCmd   `cmd:"" help:"Run the target daemon against a device-set config."`
	Reserve reserveCmd `cmd:"" help:"Reserve a device on behalf of an initiator."`
	Release releaseCmd `cmd:"" help:"Release a device's reservation."`
	Eject   ejectCmd   `cmd:"" help:"Open a removable device's tray."`
	Status  statusCmd  `cmd:"" help:"Print the status of every served device."`
}
