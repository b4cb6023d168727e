package miner

import (
	"context"
	j "encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/types"
)

//Service is the JSON-RPC face of a Miner, registered as "miner"
type Service struct {
	m *Miner
}

type MinerRPCArgs struct {
	Who string
}

type MinerRPCReply struct {
	PoolsInfo string
	Activated int
}

func (s *Service) GetPoolsStats(r *http.Request, args *MinerRPCArgs, reply *MinerRPCReply) error {
	poolInfo := s.m.client.Stats()
	res, err := j.Marshal([]*types.PoolStates{&poolInfo})
	if err != nil {
		return err
	}
	reply.PoolsInfo = string(res)
	reply.Activated = 0
	return nil
}

type DriverRPCReply struct {
	DriverInfo string
}

func (s *Service) GetHardwareStats(r *http.Request, args *MinerRPCArgs, reply *DriverRPCReply) error {
	res, err := j.Marshal(s.m.Devices())
	if err != nil {
		return err
	}
	reply.DriverInfo = string(res)
	return nil
}

type StatsRPCReply struct {
	Stats *types.StatsSnapshot
	Epoch uint64
}

func (s *Service) GetStats(r *http.Request, args *MinerRPCArgs, reply *StatsRPCReply) error {
	reply.Stats = s.m.stats.Snapshot()
	reply.Epoch = s.m.store.Epoch()
	return nil
}

//Handler serves /rpc, /status, /miner and /metrics
func (m *Miner) Handler() http.Handler {
	s := rpc.NewServer()
	s.RegisterCodec(json.NewCodec(), "application/json")
	s.RegisterCodec(json.NewCodec(), "application/json;charset=UTF-8")
	if err := s.RegisterService(&Service{m: m}, "miner"); err != nil {
		m.logger.Error("RPC service not registered", zap.Error(err))
	}
	r := mux.NewRouter()
	r.Handle("/rpc", s)
	r.HandleFunc("/status", m.serveStatus).Methods(http.MethodGet)
	r.HandleFunc("/miner", m.minerCtrl)
	r.Handle("/metrics", promhttp.HandlerFor(m.metrics, promhttp.HandlerOpts{}))
	return r
}

func (m *Miner) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	j.NewEncoder(w).Encode(m.Status())
}

func (m *Miner) minerCtrl(w http.ResponseWriter, r *http.Request) {
	cmd := r.URL.Query().Get("command")
	switch cmd {
	case "pause":
		m.Pause()
	case "resume":
		m.Resume()
	case "":
		http.Error(w, "url param 'command' is missing", http.StatusBadRequest)
		return
	default:
		http.Error(w, "unknown command "+cmd, http.StatusBadRequest)
		return
	}
	m.logger.Info("Control command", zap.String("command", cmd))
	w.WriteHeader(http.StatusOK)
}

func (m *Miner) serveAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:              m.cfg.API.Listen,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	m.logger.Info("API listening", zap.String("listen", m.cfg.API.Listen))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		// the api is optional, mining goes on without it
		m.logger.Error("API server failed", zap.Error(err))
		<-ctx.Done()
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn("API shutdown", zap.Error(err))
	}
	<-errc
	return nil
}
