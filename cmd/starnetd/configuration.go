package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/orbitfall/starnet/discover"
	"github.com/orbitfall/starnet/proto"
	"github.com/orbitfall/starnet/stats"
	"github.com/orbitfall/starnet/transport/tcp"
	"github.com/orbitfall/starnet/transport/udp"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Discovery discoveryConf
	Stats     statsConf
	Stream    streamConf
}

// coreConf describes the Core-configuration block: the datagram port and
// the protocol engine's knobs. Header, key and nonce are hex strings and
// must be equal on all peers.
type coreConf struct {
	ListenPort int    `toml:"listen-port"`
	Header     string
	Key        string
	Nonce      string

	TimeoutMs        uint `toml:"timeout-ms"`
	PingIntervalMs   uint `toml:"ping-interval-ms"`
	UpdateIntervalMs uint `toml:"update-interval-ms"`

	Profiling bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	Enable   bool
	Interval uint
}

// statsConf describes the statistics HTTP endpoint.
type statsConf struct {
	Listen string
}

// streamConf describes the optional stream listener, accepting the same
// wire messages over TCP.
type streamConf struct {
	Listen string
}

// daemon bundles everything parseConfig wired together.
type daemon struct {
	engine       *proto.Engine
	streamServer *tcp.Server
	discovery    *discover.Manager

	updateEvery time.Duration
	profiling   bool

	stopSyn chan struct{}
	stopAck chan struct{}
}

// parseCoreConf validates the Core block and derives the engine Config.
func parseCoreConf(conf coreConf) (engineConf proto.Config, err error) {
	if conf.ListenPort <= 0 || conf.ListenPort > 65535 {
		err = multierror.Append(err, fmt.Errorf("core.listen-port %d is out of range", conf.ListenPort))
	}

	header, headerErr := hex.DecodeString(conf.Header)
	if headerErr != nil || len(header) == 0 {
		err = multierror.Append(err, fmt.Errorf("core.header is no non-empty hex string"))
	}

	key, keyErr := hex.DecodeString(conf.Key)
	if keyErr != nil {
		err = multierror.Append(err, fmt.Errorf("core.key is no hex string"))
	}

	nonce, nonceErr := hex.DecodeString(conf.Nonce)
	if nonceErr != nil {
		err = multierror.Append(err, fmt.Errorf("core.nonce is no hex string"))
	}

	engineConf = proto.Config{
		Header:       header,
		Key:          key,
		Nonce:        nonce,
		Timeout:      time.Duration(conf.TimeoutMs) * time.Millisecond,
		PingInterval: time.Duration(conf.PingIntervalMs) * time.Millisecond,
	}
	return
}

// configureLogging applies the Logging block to logrus.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseConfig assembles the daemon based on the given TOML configuration.
func parseConfig(filename string) (d *daemon, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	engineConf, confErr := parseCoreConf(conf.Core)
	if confErr != nil {
		err = confErr
		return
	}

	driver, driverErr := udp.Listen(conf.Core.ListenPort)
	if driverErr != nil {
		err = driverErr
		return
	}

	engine, engineErr := proto.New(engineConf, driver,
		func(remote *net.UDPAddr, payload []byte) proto.Handling {
			log.WithFields(log.Fields{
				"remote": remote,
				"length": len(payload),
			}).Debug("Received application payload")

			return proto.Handled
		},
		func(remote *net.UDPAddr) {
			log.WithField("remote", remote).Info("Remote timed out")
		})
	if engineErr != nil {
		err = engineErr
		return
	}

	d = &daemon{
		engine:      engine,
		updateEvery: 10 * time.Millisecond,
		profiling:   conf.Core.Profiling,
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
	}
	if conf.Core.UpdateIntervalMs != 0 {
		d.updateEvery = time.Duration(conf.Core.UpdateIntervalMs) * time.Millisecond
	}

	// Stream listener; the same wire messages, framed on a TCP stream.
	if conf.Stream.Listen != "" {
		d.streamServer = tcp.NewServer(conf.Stream.Listen, func(msg []byte, remote *net.TCPAddr) {
			engine.Inject(msg, &net.UDPAddr{IP: remote.IP, Port: remote.Port})
		})

		if err = d.streamServer.Start(); err != nil {
			return
		}
	}

	// Statistics endpoint
	if conf.Stats.Listen != "" {
		go func(listen string) {
			if httpErr := http.ListenAndServe(listen, stats.NewServer(engine)); httpErr != nil {
				log.WithError(httpErr).Warn("Statistics endpoint failed")
			}
		}(conf.Stats.Listen)
	}

	// Discovery
	if conf.Discovery.Enable {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		d.discovery, err = discover.NewManager(
			uint16(conf.Core.ListenPort), conf.Discovery.Interval,
			func(peer discover.Peer) {
				log.WithField("peer", peer).Info("Discovered a peer")
			})
		if err != nil {
			return
		}
	}

	return
}

// run drives the engine's update loop until stop.
func (d *daemon) run() {
	ticker := time.NewTicker(d.updateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopSyn:
			if d.streamServer != nil {
				d.streamServer.Close()
			}
			if d.discovery != nil {
				d.discovery.Close()
			}
			if err := d.engine.Close(); err != nil {
				log.WithError(err).Warn("Closing the engine errored")
			}

			close(d.stopAck)
			return

		case <-ticker.C:
			d.engine.Update()
		}
	}
}

// stop shuts the daemon down.
func (d *daemon) stop() {
	close(d.stopSyn)
	<-d.stopAck
}
