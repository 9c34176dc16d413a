package utils_test

import (
	"cnn-backend/internal/core/utils"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInpool(t *testing.T) {
	worker := func(i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	queue := make(chan int, 10)

	for i := 0; i < 10; i++ {
		queue <- i
	}

	close(queue)

	output := make(chan utils.CompletedTask[string], 10)

	utils.RunInPool(worker, queue, output, 5)

	success, errors := 0, 0
	for result := range output {
		if result.Error != nil {
			errors++
		} else {
			success++
		}
	}

	if success != 8 || errors != 2 {
		t.Fatal("invalid results")
	}
}

func TestRunInPoolEmptyQueue(t *testing.T) {
	queue := make(chan int)
	close(queue)

	output := make(chan utils.CompletedTask[int], 1)
	utils.RunInPool(func(i int) (int, error) { return i, nil }, queue, output, 4)

	_, ok := <-output
	assert.False(t, ok)
}

func TestParallelMapKeepsOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}
	out, err := utils.ParallelMap(items, func(i int) (int, error) {
		time.Sleep(time.Duration(i) * time.Millisecond)
		return i * i, nil
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{25, 1, 16, 4, 9}, out)

	_, err = utils.ParallelMap(items, func(i int) (int, error) {
		if i == 4 {
			return 0, fmt.Errorf("bad item")
		}
		return i, nil
	}, 2)
	assert.ErrorContains(t, err, "bad item")
}
