package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/PelionIoT/chanmesh/pool"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type testConn struct {
	address string
}

var _ = Describe("Pool", func() {
	var builds int32
	var release chan int
	var pool *Pool[*testConn]

	BeforeEach(func() {
		builds = 0
		release = make(chan int)
		pool = New[*testConn](func(ctx context.Context, key string) (*testConn, error) {
			atomic.AddInt32(&builds, 1)
			<-release

			return &testConn{address: key}, nil
		})
	})

	Describe("Getting a key that is not cached yet", func() {
		Specify("Concurrent callers should trigger exactly one build and share its handle", func() {
			var wg sync.WaitGroup
			results := make([]*testConn, 20)

			for i := 0; i < len(results); i++ {
				wg.Add(1)

				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					conn, err := pool.Get(context.TODO(), "10.0.0.2:9090")

					Expect(err).Should(BeNil())

					results[i] = conn
				}(i)
			}

			// give every caller time to pile up on the in-flight build
			<-time.After(time.Millisecond * 100)
			close(release)
			wg.Wait()

			Expect(atomic.LoadInt32(&builds)).Should(Equal(int32(1)))

			for _, conn := range results {
				Expect(conn).Should(BeIdenticalTo(results[0]))
			}

			Expect(pool.Len()).Should(Equal(1))
		})
	})

	Describe("Getting a key while another caller gives up on the same build", func() {
		Specify("Should still hand the built handle to the callers that kept waiting", func() {
			patient := New[*testConn](func(ctx context.Context, key string) (*testConn, error) {
				atomic.AddInt32(&builds, 1)

				select {
				case <-release:
					return &testConn{address: key}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			})

			impatientCtx, cancel := context.WithCancel(context.Background())
			impatientResult := make(chan error, 1)
			waitingResult := make(chan *testConn, 1)

			go func() {
				_, err := patient.Get(impatientCtx, "10.0.0.2:9090")
				impatientResult <- err
			}()

			Eventually(func() int32 { return atomic.LoadInt32(&builds) }).Should(Equal(int32(1)))

			go func() {
				defer GinkgoRecover()

				conn, err := patient.Get(context.Background(), "10.0.0.2:9090")

				Expect(err).Should(BeNil())

				waitingResult <- conn
			}()

			<-time.After(time.Millisecond * 20)
			cancel()

			Eventually(impatientResult).Should(Receive(Equal(context.Canceled)))

			close(release)

			var conn *testConn
			Eventually(waitingResult).Should(Receive(&conn))
			Expect(conn.address).Should(Equal("10.0.0.2:9090"))
			Expect(atomic.LoadInt32(&builds)).Should(Equal(int32(1)))
			Expect(patient.Len()).Should(Equal(1))
		})
	})

	Describe("Getting a key that is already cached", func() {
		Specify("Should return the cached handle without building again", func() {
			close(release)

			first, err := pool.Get(context.TODO(), "a:1")
			Expect(err).Should(BeNil())
			second, err := pool.Get(context.TODO(), "a:1")
			Expect(err).Should(BeNil())

			Expect(second).Should(BeIdenticalTo(first))
			Expect(atomic.LoadInt32(&builds)).Should(Equal(int32(1)))
		})

		Specify("Disjoint keys should each get their own handle", func() {
			close(release)

			a, _ := pool.Get(context.TODO(), "a:1")
			b, _ := pool.Get(context.TODO(), "b:1")

			Expect(a.address).Should(Equal("a:1"))
			Expect(b.address).Should(Equal("b:1"))
			Expect(pool.Keys()).Should(ConsistOf("a:1", "b:1"))
		})
	})

	Describe("Getting a key whose builder fails", func() {
		Specify("Should never cache a failed build and retry on the next call", func() {
			var attempts int32
			buildError := errors.New("unreachable")
			failing := New[*testConn](func(ctx context.Context, key string) (*testConn, error) {
				atomic.AddInt32(&attempts, 1)

				return nil, buildError
			})

			var reported []error
			failing.OnBuild(func(key string, err error) {
				reported = append(reported, err)
			})

			_, err := failing.Get(context.TODO(), "c:1")
			Expect(err).Should(Equal(buildError))
			_, err = failing.Get(context.TODO(), "c:1")
			Expect(err).Should(Equal(buildError))

			Expect(atomic.LoadInt32(&attempts)).Should(Equal(int32(2)))
			Expect(failing.Len()).Should(Equal(0))
			Expect(reported).Should(HaveLen(2))
		})
	})
})
