package sshclient

import "github.com/slurmdeck/backend/internal/config"

// OptionsFromConfig maps the process configuration onto facade options
// so embedded consumers share the gateway's tuning knobs.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxParallelExec: cfg.ExecMaxParallel,
		ExecTimeout:     cfg.ExecTimeout,
		TransferTimeout: cfg.SFTPTimeout,
		PipeOKCode:      cfg.ExecPipeOKCode,
	}
}
