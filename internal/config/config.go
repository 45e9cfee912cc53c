// Package config parses the server's command-line flags with pflag.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Config holds everything cmd/server needs to start listening and, when
// configured as a replica, to dial its primary.
type Config struct {
	Port int

	Dir        string
	DBFilename string

	IsReplica  bool
	MasterHost string
	MasterPort int
}

// Parse parses args (typically os.Args[1:]) into a Config.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("kvrepl-server", pflag.ContinueOnError)
	port := fs.Int("port", 6379, "port to listen on")
	replicaof := fs.String("replicaof", "", `primary address as "<host> <port>"`)
	dir := fs.String("dir", ".", "directory containing the bootstrap snapshot file")
	dbfilename := fs.String("dbfilename", "", "bootstrap snapshot file name")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{Port: *port, Dir: *dir, DBFilename: *dbfilename}

	if *replicaof != "" {
		parts := strings.Fields(*replicaof)
		if len(parts) != 2 {
			return nil, fmt.Errorf(`--replicaof must be "<host> <port>", got %q`, *replicaof)
		}
		masterPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("--replicaof: invalid port %q", parts[1])
		}
		cfg.IsReplica = true
		cfg.MasterHost = parts[0]
		cfg.MasterPort = masterPort
	}

	return cfg, nil
}
