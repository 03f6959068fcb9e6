package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockingProcessesError(t *testing.T) {
	var err error = &BlockingProcessesError{LineID: "l1", Count: 1}
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "1 active process")

	err = &BlockingProcessesError{LineID: "l1", Count: 3}
	assert.Contains(t, err.Error(), "3 active processes")

	var target *BlockingProcessesError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, 3, target.Count)
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, Page{Limit: DefaultLimit}, Page{}.Normalize())
	assert.Equal(t, Page{Limit: DefaultLimit}, Page{Limit: MaxLimit + 1, Offset: -5}.Normalize())
	assert.Equal(t, Page{Limit: 10, Offset: 20}, Page{Limit: 10, Offset: 20}.Normalize())
}

func TestProcessBlocking(t *testing.T) {
	assert.True(t, Process{IsActive: true, Status: ProcessPending}.Blocking())
	assert.False(t, Process{IsActive: true, Status: ProcessCompleted}.Blocking())
	assert.False(t, Process{IsActive: false, Status: ProcessInProgress}.Blocking())
}
