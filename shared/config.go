package shared

import (
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"gopkg.in/yaml.v2"

	. "github.com/PelionIoT/chanmesh/logging"
)

const (
	DefaultMaxConnections    = 1024
	DefaultChannelBufferSize = 64
	DefaultWriteRetries      = 3
	DefaultLogCompactionSize = 1000
)

type YAMLServerConfig struct {
	DBFile            string `yaml:"db"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	SeedHost          string `yaml:"seedHost"`
	SeedPort          int    `yaml:"seedPort"`
	MaxConnections    int    `yaml:"maxConnections"`
	ChannelBufferSize int    `yaml:"channelBufferSize"`
	WriteRetries      int    `yaml:"writeRetries"`
	LogCompactionSize int    `yaml:"logCompactionSize"`
	LogLevel          string `yaml:"logLevel"`
}

// IsSeed is true when the node starts a new cluster instead of joining one
func (ysc *YAMLServerConfig) IsSeed() bool {
	return len(ysc.SeedHost) == 0
}

func (ysc *YAMLServerConfig) LoadFromFile(file string) error {
	rawConfig, err := ioutil.ReadFile(file)

	if err != nil {
		return err
	}

	err = yaml.Unmarshal(rawConfig, ysc)

	if err != nil {
		return err
	}

	if len(ysc.DBFile) == 0 {
		return errors.New("db must name the directory where node state is stored")
	}

	ysc.DBFile = resolveFilePath(file, ysc.DBFile)

	if len(ysc.Host) == 0 {
		return errors.New("host must be the address other nodes use to reach this node")
	}

	if !isValidPort(ysc.Port) || ysc.Port == 0 {
		return errors.New(fmt.Sprintf("%d is an invalid port for the server", ysc.Port))
	}

	if !ysc.IsSeed() && (!isValidPort(ysc.SeedPort) || ysc.SeedPort == 0) {
		return errors.New(fmt.Sprintf("%d is an invalid port to connect to the seed node at %s", ysc.SeedPort, ysc.SeedHost))
	}

	if ysc.MaxConnections < 0 {
		return errors.New("maxConnections cannot be negative")
	}

	if ysc.MaxConnections == 0 {
		ysc.MaxConnections = DefaultMaxConnections
	}

	if ysc.ChannelBufferSize < 0 {
		return errors.New("channelBufferSize cannot be negative")
	}

	if ysc.ChannelBufferSize == 0 {
		ysc.ChannelBufferSize = DefaultChannelBufferSize
	}

	if ysc.WriteRetries < 0 {
		return errors.New("writeRetries cannot be negative")
	}

	if ysc.WriteRetries == 0 {
		ysc.WriteRetries = DefaultWriteRetries
	}

	if ysc.LogCompactionSize == 0 {
		ysc.LogCompactionSize = DefaultLogCompactionSize
	}

	if ysc.LogCompactionSize < 0 {
		return errors.New("logCompactionSize cannot be negative")
	}

	if len(ysc.LogLevel) != 0 {
		if !LogLevelIsValid(ysc.LogLevel) {
			return errors.New(fmt.Sprintf("%s is not a valid log level", ysc.LogLevel))
		}

		SetLoggingLevel(ysc.LogLevel)
	}

	return nil
}

func isValidPort(p int) bool {
	return p >= 0 && p < (1<<16)
}

func resolveFilePath(configFileLocation, file string) string {
	if filepath.IsAbs(file) {
		return file
	}

	return filepath.Join(filepath.Dir(configFileLocation), file)
}
