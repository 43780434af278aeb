package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/photdb/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLocal(t *testing.T) {
	Convey("Given a local locker", t, func() {
		l := NewLocal(WithStripes(64))
		ctx := context.Background()

		Convey("When a set of cells is acquired", func() {
			release, err := l.Acquire(ctx, []string{"10:20", "11:20"})
			So(err, ShouldBeNil)

			Convey("Then an overlapping caller waits until release", func() {
				got := make(chan struct{})
				go func() {
					r2, err := l.Acquire(ctx, []string{"11:20"})
					if err == nil {
						r2()
					}
					close(got)
				}()

				select {
				case <-got:
					t.Fatal("overlapping acquire did not wait")
				case <-time.After(50 * time.Millisecond):
				}
				release()
				select {
				case <-got:
				case <-time.After(time.Second):
					t.Fatal("overlapping acquire never proceeded")
				}
			})

			Convey("Then a cancelled caller gives up with a transport error", func() {
				cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
				defer cancel()
				_, err := l.Acquire(cctx, []string{"10:20"})
				So(errors.Is(err, model.ErrTransport), ShouldBeTrue)
				release()
			})
		})

		Convey("When duplicate keys are passed", func() {
			release, err := l.Acquire(ctx, []string{"1:1", "1:1", "1:1"})

			Convey("Then they are taken once", func() {
				So(err, ShouldBeNil)
				release()
				r2, err := l.Acquire(ctx, []string{"1:1"})
				So(err, ShouldBeNil)
				r2()
			})
		})

		Convey("When many goroutines contend for shuffled key sets", func() {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				inside  int
				maxSeen int
			)
			sets := [][]string{{"a", "b"}, {"b", "a"}, {"b", "c"}, {"c", "a"}}
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func(keys []string) {
					defer wg.Done()
					release, err := l.Acquire(ctx, keys)
					if err != nil {
						return
					}
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()
					time.Sleep(time.Millisecond)
					mu.Lock()
					inside--
					mu.Unlock()
					release()
				}(sets[i%len(sets)])
			}
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()

			Convey("Then none deadlock and overlapping holders never coexist", func() {
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					t.Fatal("deadlock")
				}
				So(maxSeen, ShouldEqual, 1)
			})
		})
	})
}
