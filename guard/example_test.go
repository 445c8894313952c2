package guard_test

import (
	"fmt"
	"sync"

	"github.com/newgrp/pushrelay/guard"
)

func Example() {
	deliveries := guard.New(map[string]int{})

	var wg sync.WaitGroup
	for _, channel := range []string{"foreground", "background", "foreground"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deliveries.Do(func(m *map[string]int) { (*m)[channel]++ })
		}()
	}
	wg.Wait()

	counts := deliveries.Get()
	fmt.Println(counts["foreground"], counts["background"])
	// Output: 2 1
}

func ExampleWith() {
	counter := guard.New(0)

	next := guard.With(counter, func(n *int) int {
		*n++
		return *n
	})

	fmt.Println(next, counter.Get())
	// Output: 1 1
}
