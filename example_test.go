package segkv_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hupe1980/segkv"
)

func Example() {
	dir, err := os.MkdirTemp("", "segkv-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := segkv.Open(dir, segkv.WithSegmentSizeMB(1))
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, 7, []byte("seven"), 1); err != nil {
		log.Fatal(err)
	}
	if err := s.Persist(); err != nil {
		log.Fatal(err)
	}

	rec, _ := s.Get(7)
	fmt.Println(string(rec), s.HWMark())
	// Output: seven 1
}
