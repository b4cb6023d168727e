//fpgadocking feeds a fixed header to a thyroid board and prints every nonce it reports.
//It is used when bringing up new bitstreams, no pool is involved.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/driver"
	"github.com/AGPFMiner/multiminer/target"
	"github.com/AGPFMiner/multiminer/types"
)

//block 0 without its nonce
const genesisHeader = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d"

func main() {
	devPath := pflag.String("device", "/dev/ttyAMA0", "uart the board is attached to")
	baud := pflag.Uint("baudrate", 115200, "uart baud rate")
	muxNums := pflag.Int("muxnum", 1, "boards behind the gpio mux")
	algo := pflag.String("algo", "sha256d", "algorithm loaded in the bitstream")
	headerHex := pflag.String("header", genesisHeader, "header to search, hex")
	targetHex := pflag.String("target", "", "share target, hex (all ones when empty)")
	start := pflag.Uint64("start", 0, "first nonce")
	count := pflag.Uint64("count", 1<<32, "nonces per board")
	pflag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	header, err := hex.DecodeString(*headerHex)
	if err != nil {
		logger.Fatal("Bad header", zap.Error(err))
	}
	tgt := target.Max()
	if *targetHex != "" {
		if tgt, err = target.FromHex(*targetHex); err != nil {
			logger.Fatal("Bad target", zap.Error(err))
		}
	}

	plugin, err := driver.NewThyroid(config.Plugin{
		Name:      driver.ThyroidName,
		Enabled:   true,
		Algo:      *algo,
		Device:    *devPath,
		BaudRate:  *baud,
		MuxNums:   *muxNums,
		BatchSize: *count,
	}, logger)
	if err != nil {
		logger.Fatal("Thyroid", zap.Error(err))
	}
	defer plugin.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devices, err := plugin.Enumerate(ctx)
	if err != nil {
		logger.Fatal("Enumerate", zap.Error(err))
	}

	job := &types.Job{ID: 1, Header: header, Target: tgt, Algo: *algo, Epoch: 1}
	r := &types.NonceRange{Start: *start, End: *start + *count}
	for _, dev := range devices {
		if err := plugin.Assign(dev.ID, job, r); err != nil {
			logger.Fatal("Assign", zap.String("device", dev.ID), zap.Error(err))
		}
		logger.Info("Header written", zap.String("device", dev.ID), zap.String("header", *headerHex))
	}

	hasher := plugin.Hasher()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, dev := range devices {
			results, err := plugin.PollResults(dev.ID)
			if err != nil {
				logger.Error("PollResults", zap.String("device", dev.ID), zap.Error(err))
				continue
			}
			for _, c := range results {
				digest := hasher.Hash(header, c.Nonce)
				fmt.Printf("%s nonce %08x hash %x meets %v\n", dev.ID, c.Nonce, digest, target.Meets(digest, tgt))
			}
			logger.Debug("Hashrate", zap.String("device", dev.ID), zap.Float64("hps", plugin.Hashrate(dev.ID)))
		}
	}
}
