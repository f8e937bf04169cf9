// Copyright 2025 Certen Protocol
//
// veribot-gateway wires the attestation data plane's gateway-side
// components together: loads ambient config, opens the registry's KV
// backend, registers the Intel SGX/DCAP and AWS Nitro attestation
// adapters, starts a per-robot checkpoint Verifier, and serves a small
// HTTP surface (checkpoint submission, health, Prometheus metrics).
// The robot-side event collector, the TEE trusted application, and the
// gateway's full REST/queue surface are out of scope (spec §1) — this
// binary is the minimal gateway shape needed to exercise the in-scope
// components end to end.
package main

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OliverNakamoto/veribot/pkg/attestation"
	"github.com/OliverNakamoto/veribot/pkg/attestation/nitro"
	"github.com/OliverNakamoto/veribot/pkg/attestation/sgx"
	"github.com/OliverNakamoto/veribot/pkg/checkpoint"
	"github.com/OliverNakamoto/veribot/pkg/rconfig"
	"github.com/OliverNakamoto/veribot/pkg/registry"
	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath = flag.String("config", "", "path to a YAML config file (see pkg/rconfig.Config); defaults used if empty")
		listenAddr = flag.String("listen", "127.0.0.1:8080", "address the checkpoint-submission HTTP API listens on")
		showHelp   = flag.Bool("help", false, "show help message")
	)
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg := rconfig.Default()
	if *configPath != "" {
		loaded, err := rconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	log.Printf("starting veribot gateway: trust_mode=%s registry_backend=%s", cfg.TrustMode, cfg.Registry.Backend)

	promReg := prometheus.NewRegistry()
	attestMetrics := attestation.NewMetrics(promReg)

	kv, closeKV := openRegistryKV(cfg)
	defer closeKV()
	ledgerReg := registry.New(kv, 256)

	pcs := sgx.NewPCSClient(cfg.PCS.BaseURL, loadRootCA(cfg.PCS.RootCACertPath), &http.Client{Timeout: cfg.PCS.FetchTimeout.Duration()}, attestMetrics)
	adapters := attestation.NewRegistry()
	adapters.Register(sgx.New(pcs))
	adapters.Register(nitro.New(nil))
	log.Printf("registered attestation adapters: %v", adapters.Tags())

	oracle := attestation.NewPollingOracle(adapters, 5*time.Minute)

	verifier := checkpoint.NewVerifier()

	ctx, cancel := context.WithCancel(context.Background())
	var bg sync.WaitGroup

	bg.Add(1)
	go func() {
		defer bg.Done()
		oracle.Run(ctx)
	}()
	bg.Add(1)
	go func() {
		defer bg.Done()
		<-ctx.Done() // placeholder for the periodic trust-anchor refresh cadence
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/api/v1/checkpoints/verify", handleVerify(verifier, ledgerReg, adapters, attestMetrics))
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Printf("gateway HTTP API listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	bg.Wait()
}

// openRegistryKV opens the registry's KV backend per cfg: an in-memory
// map for local/dev use, or a durable goleveldb store via cometbft-db
// for a real deployment. The returned closer is a no-op for the memory
// backend.
func openRegistryKV(cfg *rconfig.Config) (registry.KV, func()) {
	switch cfg.Registry.Backend {
	case "leveldb":
		db, err := dbm.NewGoLevelDB("veribot-registry", cfg.Registry.Path)
		if err != nil {
			log.Fatalf("open leveldb registry store at %s: %v", cfg.Registry.Path, err)
		}
		return registry.NewKVAdapter(db), func() {
			if err := db.Close(); err != nil {
				log.Printf("close leveldb registry store: %v", err)
			}
		}
	default:
		return registry.NewMemoryKV(), func() {}
	}
}

// loadRootCA reads a PEM-encoded Intel SGX Root CA certificate from path,
// or returns nil if path is empty. With a nil root CA the PCS-backed
// sgx.Adapter rejects every quote ("no root CA configured"); only an
// adapter built without a PCS source skips PCK chain verification.
func loadRootCA(path string) *x509.Certificate {
	if path == "" {
		return nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read sgx root ca cert %s: %v", path, err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		log.Fatalf("no PEM certificate block found in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		log.Fatalf("parse sgx root ca cert %s: %v", path, err)
	}
	return cert
}

type verifyRequest struct {
	CheckpointHex string `json:"checkpoint_hex"`
	PublicKeyHex  string `json:"public_key_hex"`
	VendorTag     string `json:"vendor_tag,omitempty"`
	NonceHex      string `json:"nonce_hex,omitempty"`
}

type verifyResponse struct {
	Outcome string `json:"outcome"`
	Kind    string `json:"kind,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// handleVerify accepts a hex-encoded canonical checkpoint plus the
// expected signing public key, runs it past the Attestation Adapter
// (when the checkpoint carries a quote) and then through
// Verifier.Verify against the live registry — the two gateway-side
// checks the data flow in spec §1 runs in parallel (spec §4.4, §6).
func handleVerify(v *checkpoint.Verifier, reg *registry.Registry, adapters *attestation.Registry, metrics *attestation.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		raw, err := hex.DecodeString(req.CheckpointHex)
		if err != nil {
			http.Error(w, "checkpoint_hex is not valid hex", http.StatusBadRequest)
			return
		}
		pubBytes, err := hex.DecodeString(req.PublicKeyHex)
		if err != nil || len(pubBytes) != xhash.PublicKeySize {
			http.Error(w, "public_key_hex must be a 32-byte hex Ed25519 public key", http.StatusBadRequest)
			return
		}
		var pub xhash.PublicKey
		copy(pub[:], pubBytes)

		ck, err := checkpoint.Decode(raw)
		if err != nil {
			http.Error(w, "checkpoint_hex does not decode", http.StatusBadRequest)
			return
		}

		if len(ck.AttestationQuote) > 0 {
			if req.VendorTag == "" {
				writeVerifyResponse(w, verifyResponse{Outcome: "rejected", Kind: checkpoint.KindDecodeError.String(), Detail: "vendor_tag is required when attestation_quote is present"})
				return
			}
			adapter, err := adapters.Lookup(req.VendorTag)
			if err != nil {
				writeVerifyResponse(w, verifyResponse{Outcome: "rejected", Kind: checkpoint.KindDecodeError.String(), Detail: err.Error()})
				return
			}
			nonce, err := hex.DecodeString(req.NonceHex)
			if err != nil {
				http.Error(w, "nonce_hex is not valid hex", http.StatusBadRequest)
				return
			}
			quoteResult, err := adapter.VerifyQuote(r.Context(), ck.AttestationQuote, nonce)
			if err != nil {
				writeVerifyResponse(w, verifyResponse{Outcome: "rejected", Kind: checkpoint.KindSignatureInvalid.String(), Detail: "attestation quote verification failed: " + err.Error()})
				return
			}
			if string(quoteResult.EnclaveMeasurement) != string(ck.EnclaveMeasurement) {
				writeVerifyResponse(w, verifyResponse{Outcome: "rejected", Kind: checkpoint.KindSignatureInvalid.String(), Detail: "quote measurement does not match checkpoint enclave_measurement"})
				return
			}
			if quoteResult.Revocation == attestation.RevocationRevoked {
				metrics.Observe(attestation.RevocationRevoked)
				writeVerifyResponse(w, verifyResponse{Outcome: "rejected", Kind: checkpoint.KindEnclaveRevoked.String(), Detail: "attestation adapter reports the enclave measurement revoked"})
				return
			}
		}

		decision := v.Verify(r.Context(), raw, pub, reg)

		resp := verifyResponse{Outcome: outcomeName(decision.Outcome)}
		if decision.Outcome != checkpoint.Accepted {
			resp.Kind = decision.Kind.String()
			resp.Detail = decision.Detail
			if decision.Kind == checkpoint.KindEnclaveRevoked || decision.Kind == checkpoint.KindModelRevoked {
				metrics.Observe(attestation.RevocationRevoked)
			}
		}
		writeVerifyResponse(w, resp)
	}
}

func writeVerifyResponse(w http.ResponseWriter, resp verifyResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode verify response: %v", err)
	}
}

func outcomeName(o checkpoint.Outcome) string {
	switch o {
	case checkpoint.Accepted:
		return "accepted"
	case checkpoint.Deferred:
		return "deferred"
	default:
		return "rejected"
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
