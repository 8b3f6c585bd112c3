// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/txrelay/internal/log"
	"github.com/btcsuite/txrelay/mempool"
	"github.com/btcsuite/txrelay/node"
	"github.com/btcsuite/txrelay/rebroadcast"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename     = "relaysim.log"
	defaultLogLevel        = "info"
	defaultNumNodes        = 3
	defaultDuration        = 6 * time.Hour
	defaultStep            = time.Second
	defaultTxRate          = 0.05
	defaultSummaryInterval = 30 * time.Minute
	defaultBlockInterval   = 10 * time.Minute
	defaultBlockSize       = 1000000
	minNodes               = 2
)

var (
	relaysimHomeDir = btcutil.AppDataDir("relaysim", false)
	defaultLogDir   = filepath.Join(relaysimHomeDir, "logs")
)

// config defines the configuration options for relaysim.
//
// See loadConfig for details on the configuration load process.
type config struct {
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Nodes    int           `short:"n" long:"nodes" description:"Number of simulated nodes connected in a line"`
	Ring     bool          `long:"ring" description:"Also connect the last node to the first"`
	Duration time.Duration `long:"duration" description:"Simulated time to run for"`
	Step     time.Duration `long:"step" description:"Simulated time advanced per step"`
	RealTime bool          `long:"realtime" description:"Run on the wall clock instead of fast-forwarding simulated time"`
	TxRate   float64       `long:"txrate" description:"Locally submitted transactions per simulated second across all nodes"`
	Seed     int64         `long:"seed" description:"Seed for the transaction generator"`

	BlockInterval time.Duration `long:"blockinterval" description:"Simulated time between mined blocks (0 disables mining)"`
	BlockSize     int64         `long:"blocksize" description:"Maximum virtual size of the transactions in a mined block"`

	PartitionAt time.Duration `long:"partitionat" description:"Simulated time at which the first two nodes disconnect (0 disables)"`
	HealAt      time.Duration `long:"healat" description:"Simulated time at which the first two nodes reconnect"`

	RebroadcastInterval time.Duration `long:"rebroadcastinterval" description:"Time between full rebroadcast ticks"`
	UnbroadcastInterval time.Duration `long:"unbroadcastinterval" description:"Time between reattempts for unrequested local transactions"`
	RecencyThreshold    time.Duration `long:"recency" description:"Minimum age of a transaction before unsolicited rebroadcast"`
	MaxWeight           int64         `long:"maxweight" description:"Ancestor package size budget of a rebroadcast tick"`
	TrickleInterval     time.Duration `long:"trickle" description:"Per-peer debounce before announcements are sent"`
	MempoolExpiry       time.Duration `long:"mempoolexpiry" description:"Time after which transactions are evicted from the mempool"`
	MaxPoolSize         int64         `long:"maxpoolsize" description:"Maximum total virtual size of a mempool in bytes"`

	SummaryInterval time.Duration `long:"summaryinterval" description:"Simulated time between network summaries"`
	MetricsListen   string        `long:"metricslisten" description:"Serve prometheus metrics on this interface/port (disabled when empty)"`
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		log.SetLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := log.SubsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, log.SupportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		log.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// nodeConfig returns the node configuration selected by the options.
func (cfg *config) nodeConfig() node.Config {
	ncfg := node.DefaultConfig()
	ncfg.Rebroadcast = cfg.rebroadcastConfig()
	ncfg.Policy = mempool.Policy{
		MaxPoolSize: cfg.MaxPoolSize,
		Expiry:      cfg.MempoolExpiry,
	}
	return ncfg
}

// rebroadcastConfig returns the rebroadcast configuration selected by the
// options.
func (cfg *config) rebroadcastConfig() rebroadcast.Config {
	return rebroadcast.Config{
		Interval:            cfg.RebroadcastInterval,
		UnbroadcastInterval: cfg.UnbroadcastInterval,
		RecencyThreshold:    cfg.RecencyThreshold,
		MaxWeight:           cfg.MaxWeight,
		TrickleInterval:     cfg.TrickleInterval,
	}
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		LogDir:              defaultLogDir,
		DebugLevel:          defaultLogLevel,
		Nodes:               defaultNumNodes,
		Duration:            defaultDuration,
		Step:                defaultStep,
		TxRate:              defaultTxRate,
		Seed:                1,
		RebroadcastInterval: rebroadcast.DefaultInterval,
		UnbroadcastInterval: rebroadcast.DefaultUnbroadcastInterval,
		RecencyThreshold:    rebroadcast.DefaultRecencyThreshold,
		MaxWeight:           rebroadcast.DefaultMaxWeight,
		TrickleInterval:     rebroadcast.DefaultTrickleInterval,
		MempoolExpiry:       mempool.DefaultExpiry,
		MaxPoolSize:         mempool.DefaultMaxPoolSize,
		SummaryInterval:     defaultSummaryInterval,
		BlockInterval:       defaultBlockInterval,
		BlockSize:           defaultBlockSize,
	}

	// Parse command line options.
	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", log.SupportedSubsystems())
		os.Exit(0)
	}

	funcName := "loadConfig"
	if cfg.Nodes < minNodes {
		str := "%s: at least %d nodes are required -- parsed [%v]"
		err := fmt.Errorf(str, funcName, minNodes, cfg.Nodes)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}
	if cfg.Step <= 0 || cfg.Duration <= 0 {
		str := "%s: the step and duration must be positive"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}
	if cfg.TxRate < 0 {
		str := "%s: the transaction rate must not be negative -- " +
			"parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.TxRate)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}
	if cfg.BlockInterval < 0 || cfg.BlockSize <= 0 {
		str := "%s: the block interval must not be negative and the " +
			"block size must be positive"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}
	if cfg.PartitionAt > 0 && cfg.HealAt != 0 && cfg.HealAt <= cfg.PartitionAt {
		str := "%s: the partition must heal after it starts"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Configuration errors of the relay layer are fatal at startup.
	rcfg := cfg.rebroadcastConfig()
	if err := rcfg.Validate(); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	if err := log.InitLogRotator(filepath.Join(cfg.LogDir,
		defaultLogFilename)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
