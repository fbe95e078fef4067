package shared_test

import (
	"io/ioutil"
	"os"
	"path/filepath"

	. "github.com/PelionIoT/chanmesh/shared"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var configDir string

	BeforeEach(func() {
		var err error

		configDir, err = ioutil.TempDir("", "chanmesh-config")

		Expect(err).Should(BeNil())
	})

	AfterEach(func() {
		os.RemoveAll(configDir)
	})

	load := func(contents string) error {
		var config YAMLServerConfig

		file := filepath.Join(configDir, "chanmesh.yaml")

		Expect(ioutil.WriteFile(file, []byte(contents), 0644)).Should(Succeed())

		return config.LoadFromFile(file)
	}

	It("should fill in defaults and resolve the db path next to the config file", func() {
		var config YAMLServerConfig

		file := filepath.Join(configDir, "chanmesh.yaml")

		Expect(ioutil.WriteFile(file, []byte("db: data\nhost: 10.0.0.1\nport: 8080\n"), 0644)).Should(Succeed())
		Expect(config.LoadFromFile(file)).Should(Succeed())

		Expect(config.DBFile).Should(Equal(filepath.Join(configDir, "data")))
		Expect(config.IsSeed()).Should(BeTrue())
		Expect(config.MaxConnections).Should(Equal(DefaultMaxConnections))
		Expect(config.ChannelBufferSize).Should(Equal(DefaultChannelBufferSize))
		Expect(config.WriteRetries).Should(Equal(DefaultWriteRetries))
		Expect(config.LogCompactionSize).Should(Equal(DefaultLogCompactionSize))
	})

	It("should accept a joining node with a seed", func() {
		var config YAMLServerConfig

		file := filepath.Join(configDir, "chanmesh.yaml")

		Expect(ioutil.WriteFile(file, []byte("db: /var/lib/chanmesh\nhost: 10.0.0.2\nport: 8080\nseedHost: 10.0.0.1\nseedPort: 8080\nwriteRetries: 5\n"), 0644)).Should(Succeed())
		Expect(config.LoadFromFile(file)).Should(Succeed())

		Expect(config.DBFile).Should(Equal("/var/lib/chanmesh"))
		Expect(config.IsSeed()).Should(BeFalse())
		Expect(config.WriteRetries).Should(Equal(5))
	})

	It("should reject a config without a db", func() {
		err := load("host: 10.0.0.1\nport: 8080\n")

		Expect(err).ShouldNot(BeNil())
	})

	It("should reject an invalid port", func() {
		err := load("db: data\nhost: 10.0.0.1\nport: 70000\n")

		Expect(err).ShouldNot(BeNil())
	})

	It("should reject a seed host without a seed port", func() {
		err := load("db: data\nhost: 10.0.0.1\nport: 8080\nseedHost: 10.0.0.2\n")

		Expect(err).ShouldNot(BeNil())
	})

	It("should reject an unknown log level", func() {
		err := load("db: data\nhost: 10.0.0.1\nport: 8080\nlogLevel: loud\n")

		Expect(err).ShouldNot(BeNil())
	})

	It("should reject a missing file", func() {
		var config YAMLServerConfig

		Expect(config.LoadFromFile(filepath.Join(configDir, "missing.yaml"))).ShouldNot(Succeed())
	})

	It("should reject malformed yaml", func() {
		err := load("db: [\n")

		Expect(err).ShouldNot(BeNil())
	})
})
