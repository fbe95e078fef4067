package server_test

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	. "github.com/PelionIoT/chanmesh/server"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var server *Server

	BeforeEach(func() {
		server = NewServer(ServerConfig{Host: "127.0.0.1", MaxConnections: 8})
		server.Router().HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "hello\n")
		}).Methods("GET")
	})

	AfterEach(func() {
		server.Stop()
	})

	get := func(path string) (int, string, error) {
		client := &http.Client{Timeout: time.Second * 2}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", server.Port(), path))

		if err != nil {
			return 0, "", err
		}

		defer resp.Body.Close()

		body, _ := ioutil.ReadAll(resp.Body)

		return resp.StatusCode, string(body), nil
	}

	It("should pick a free port and serve attached endpoints", func() {
		Expect(server.Start()).Should(Succeed())
		Expect(server.Port()).ShouldNot(Equal(0))

		status, body, err := get("/hello")

		Expect(err).Should(BeNil())
		Expect(status).Should(Equal(http.StatusOK))
		Expect(body).Should(Equal("hello\n"))
	})

	It("should expose prometheus metrics", func() {
		Expect(server.Start()).Should(Succeed())

		status, _, err := get("/metrics")

		Expect(err).Should(BeNil())
		Expect(status).Should(Equal(http.StatusOK))
	})

	It("should refuse connections after it is stopped", func() {
		Expect(server.Start()).Should(Succeed())
		Expect(server.Stop()).Should(Succeed())

		_, _, err := get("/hello")

		Expect(err).ShouldNot(BeNil())
	})

	It("should fail to start when the port is taken", func() {
		Expect(server.Start()).Should(Succeed())

		other := NewServer(ServerConfig{Host: "127.0.0.1", Port: server.Port()})

		Expect(other.Start()).ShouldNot(Succeed())
	})

	It("should know its port once it listens and serve endpoints attached afterwards", func() {
		Expect(server.Listen()).Should(Succeed())
		Expect(server.Port()).ShouldNot(Equal(0))

		server.Router().HandleFunc("/late", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}).Methods("GET")

		Expect(server.Start()).Should(Succeed())

		status, _, err := get("/late")

		Expect(err).Should(BeNil())
		Expect(status).Should(Equal(http.StatusNoContent))
	})
})
