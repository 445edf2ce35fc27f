package respd

// Config holds the server's startup parameters; how they're surfaced (CLI
// flags here, following the teacher's app/main.go) is outside the core's
// concern.
type Config struct {
	Addr string
	Port int

	ReplicaOfHost string
	ReplicaOfPort int

	Dir        string
	DBFilename string
}

// DefaultConfig returns the documented defaults from §6.
func DefaultConfig() *Config {
	return &Config{
		Addr:       "0.0.0.0",
		Port:       6379,
		Dir:        ".",
		DBFilename: "dump.rdb",
	}
}

// IsReplica reports whether this process was configured to follow a
// leader at startup.
func (c *Config) IsReplica() bool {
	return c.ReplicaOfHost != ""
}
