package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	bftapi "github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/config"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "HieraChain-BFT"
)

// main writes the configuration files of a local cluster, one per replica,
// ready for cmd/bft-node.
func main() {
	nodes := flag.Int("n", 4, "Number of replicas (3f+1)")
	basePort := flag.Int("port", 7000, "First replica transport port")
	admissionPort := flag.Int("admission-port", 50051, "First admission server port, 0 disables")
	metricsPort := flag.Int("metrics-port", 9100, "First metrics port, 0 disables")
	out := flag.String("out", ".", "Output directory")
	token := flag.Bool("token", false, "Also print a fresh admission token")
	version := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	fmt.Printf("%s v%s\n", Name, Version)
	if *version {
		return
	}

	if err := generate(*nodes, *basePort, *admissionPort, *metricsPort, *out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *token {
		tok, err := bftapi.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("export %s=%s\n", bftapi.AuthEnvVar, tok)
	}
}

func generate(n, basePort, admissionPort, metricsPort int, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, cfg := range config.LocalCluster(n, basePort) {
		if admissionPort > 0 {
			cfg.AdmissionAddr = fmt.Sprintf("127.0.0.1:%d", admissionPort+i)
		}
		if metricsPort > 0 {
			cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", metricsPort+i)
		}
		cfg.StorePath = filepath.Join(dir, fmt.Sprintf("node-%d.db", cfg.NodeID))
		if err := cfg.Validate(); err != nil {
			return err
		}

		b, err := cfg.Marshal()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("node-%d.yaml", cfg.NodeID))
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}
