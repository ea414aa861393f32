package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	Adapter    string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("wirenode", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Adapter, "adapter", "wirenode", "Adapter name reported by accepted connections")
	_ = fs.Parse(args)
	return opts
}
