package cache

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"gopkg.in/yaml.v3"
)

// MongoConfig selects the server, database and collection of the document storage.
type MongoConfig struct {
	// Host name, or a full mongodb:// connection string.
	Host          string `yaml:"host" env:"HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	Username      string `yaml:"username" env:"USERNAME"`
	Password      string `yaml:"password" env:"PASSWORD"`
	AuthSource    string `yaml:"auth_source" env:"AUTH_SOURCE"`
	AuthMechanism string `yaml:"auth_mechanism" env:"AUTH_MECHANISM"`
	TLS           MongoTLS `yaml:"tls" envPrefix:"TLS_"`
	// Extra connection string options passed through as is, e.g. appName or maxPoolSize.
	ClientOptions map[string]string `yaml:"client_options" env:"CLIENT_OPTIONS"`
	Database      NamedOptions      `yaml:"database" env:"DATABASE"`
	Collection    NamedOptions      `yaml:"collection" env:"COLLECTION"`
}

type MongoTLS struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	CAFile   string `yaml:"ca_file" env:"CA_FILE"`
	Insecure bool   `yaml:"insecure" env:"INSECURE"`
}

// NamedOptions selects a database or collection.
// In YAML it is either a bare name or a mapping with the fields below.
// From the environment it is either a bare name or a list such as
// "name=cache,read_preference=secondary".
type NamedOptions struct {
	Name           string       `yaml:"name"`
	CodecOptions   CodecOptions `yaml:"codec_options"`
	ReadPreference string       `yaml:"read_preference"`
	WriteConcern   string       `yaml:"write_concern"`
	ReadConcern    string       `yaml:"read_concern"`
}

type CodecOptions struct {
	// Decode BSON dates in the local time zone instead of UTC.
	LocalTimeZone bool `yaml:"local_time_zone"`
}

func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Host:       "localhost",
		Port:       27017,
		Database:   NamedOptions{Name: "cache_storage"},
		Collection: NamedOptions{Name: "cache"},
	}
}

// UnmarshalYAML accepts a scalar name as shorthand for {name: <scalar>}.
func (n *NamedOptions) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*n = NamedOptions{Name: value.Value}
		return nil
	}
	type plain NamedOptions
	return value.Decode((*plain)(n))
}

// UnmarshalText accepts either a bare name or comma-separated key=value pairs.
func (n *NamedOptions) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if !strings.Contains(s, "=") {
		*n = NamedOptions{Name: s}
		return nil
	}
	var out NamedOptions
	for _, pair := range strings.Split(s, ",") {
		k, v, _ := strings.Cut(pair, "=")
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(strings.ToLower(k)) {
		case "name":
			out.Name = v
		case "read_preference":
			out.ReadPreference = v
		case "write_concern":
			out.WriteConcern = v
		case "read_concern":
			out.ReadConcern = v
		case "local_time_zone":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("local_time_zone: %w", err)
			}
			out.CodecOptions.LocalTimeZone = b
		default:
			return fmt.Errorf("unknown option %q", k)
		}
	}
	*n = out
	return nil
}

// Validate checks the option values without connecting.
func (n NamedOptions) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := n.readPreference(); err != nil {
		return err
	}
	if _, err := n.readConcern(); err != nil {
		return err
	}
	return nil
}

func (n NamedOptions) readPreference() (*readpref.ReadPref, error) {
	if n.ReadPreference == "" {
		return nil, nil
	}
	mode, err := readpref.ModeFromString(n.ReadPreference)
	if err != nil {
		return nil, fmt.Errorf("read preference: %w", err)
	}
	return readpref.New(mode)
}

func (n NamedOptions) writeConcern() *writeconcern.WriteConcern {
	switch w := strings.ToLower(n.WriteConcern); w {
	case "":
		return nil
	case "majority":
		return writeconcern.Majority()
	case "unacknowledged":
		return writeconcern.Unacknowledged()
	case "journaled":
		return writeconcern.Journaled()
	default:
		if i, err := strconv.Atoi(w); err == nil {
			return &writeconcern.WriteConcern{W: i}
		}
		// a tag set name
		return &writeconcern.WriteConcern{W: n.WriteConcern}
	}
}

func (n NamedOptions) readConcern() (*readconcern.ReadConcern, error) {
	switch strings.ToLower(n.ReadConcern) {
	case "":
		return nil, nil
	case "local":
		return readconcern.Local(), nil
	case "majority":
		return readconcern.Majority(), nil
	case "available":
		return readconcern.Available(), nil
	case "linearizable":
		return readconcern.Linearizable(), nil
	case "snapshot":
		return readconcern.Snapshot(), nil
	}
	return nil, fmt.Errorf("unknown read concern %q", n.ReadConcern)
}

func (n NamedOptions) databaseOptions() (*options.DatabaseOptions, error) {
	opts := options.Database()
	rp, err := n.readPreference()
	if err != nil {
		return nil, err
	}
	if rp != nil {
		opts.SetReadPreference(rp)
	}
	rc, err := n.readConcern()
	if err != nil {
		return nil, err
	}
	if rc != nil {
		opts.SetReadConcern(rc)
	}
	if wc := n.writeConcern(); wc != nil {
		opts.SetWriteConcern(wc)
	}
	return opts, nil
}

func (n NamedOptions) collectionOptions() (*options.CollectionOptions, error) {
	opts := options.Collection()
	rp, err := n.readPreference()
	if err != nil {
		return nil, err
	}
	if rp != nil {
		opts.SetReadPreference(rp)
	}
	rc, err := n.readConcern()
	if err != nil {
		return nil, err
	}
	if rc != nil {
		opts.SetReadConcern(rc)
	}
	if wc := n.writeConcern(); wc != nil {
		opts.SetWriteConcern(wc)
	}
	return opts, nil
}

// URI builds the connection string, including the passthrough options.
// Username and Password are not part of it, but credentials written into a
// mongodb:// Host are; log RedactedURI instead.
func (c MongoConfig) URI() string {
	var u *url.URL
	if strings.HasPrefix(c.Host, "mongodb://") || strings.HasPrefix(c.Host, "mongodb+srv://") {
		parsed, err := url.Parse(c.Host)
		if err != nil {
			return c.Host
		}
		u = parsed
	} else {
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 27017
		}
		u = &url.URL{Scheme: "mongodb", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}
	}
	if len(c.ClientOptions) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(c.ClientOptions))
		for k := range c.ClientOptions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, c.ClientOptions[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactedURI is URI with the password of a mongodb:// Host masked.
func (c MongoConfig) RedactedURI() string {
	u, err := url.Parse(c.URI())
	if err != nil {
		return "mongodb://<unparsable>"
	}
	return u.Redacted()
}

func (c MongoConfig) clientOptions() (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(c.URI())
	if c.Username != "" {
		opts.SetAuth(options.Credential{
			Username:      c.Username,
			Password:      c.Password,
			AuthSource:    c.AuthSource,
			AuthMechanism: c.AuthMechanism,
		})
	}
	if c.TLS.Enabled {
		tlsConfig := &tls.Config{InsecureSkipVerify: c.TLS.Insecure}
		if c.TLS.CAFile != "" {
			pem, err := os.ReadFile(c.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read mongo CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in %s", c.TLS.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}
	if c.Database.CodecOptions.LocalTimeZone || c.Collection.CodecOptions.LocalTimeZone {
		opts.SetBSONOptions(&options.BSONOptions{UseLocalTimeZone: true})
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("mongo client options: %w", err)
	}
	return opts, nil
}
