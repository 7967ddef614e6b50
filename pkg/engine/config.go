/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package engine ties block management, scheduling and batch execution into
// a request-serving loop.
package engine

import (
	"context"
	"errors"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvblock"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvevents"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/scheduler"
)

// CacheConfig sizes the KV-cache memory pools. Block counts derive from byte
// budgets unless overridden directly.
type CacheConfig struct {
	// BlockTokenNum is the token capacity of one cache block.
	BlockTokenNum int `json:"blockTokenNum"`
	// BlockBytes is the KV payload size of one block across all layers.
	BlockBytes int `json:"blockBytes"`

	// DeviceBlockNum overrides derivation when positive.
	DeviceBlockNum int `json:"deviceBlockNum"`
	// TotalDeviceBytes is the accelerator memory available to this worker.
	TotalDeviceBytes int64 `json:"totalDeviceBytes"`
	// ModelWeightsBytes is the memory consumed by loaded weights.
	ModelWeightsBytes int64 `json:"modelWeightsBytes"`
	// ContiguousBytes reserves non-paged device memory for shared buffers.
	ContiguousBytes int `json:"contiguousBytes"`
	// ReservedDeviceMemoryRatio keeps a fraction of device memory out of the
	// cache entirely, as allocator slack.
	ReservedDeviceMemoryRatio float64 `json:"reservedDeviceMemoryRatio"`
	// BlockDeviceMemoryRatio, when non-negative, sizes the cache as a plain
	// fraction of total device memory instead of subtracting weights.
	BlockDeviceMemoryRatio float64 `json:"blockDeviceMemoryRatio"`
	// BlockHostMemoryFactor sizes the host swap pool as a multiple of the
	// device pool.
	BlockHostMemoryFactor float64 `json:"blockHostMemoryFactor"`

	// PrefixCacheLen bounds the prompt prefix eligible for cache reuse, in
	// tokens. Rounded down to a block multiple at engine construction.
	PrefixCacheLen int `json:"prefixCacheLen"`
}

// DefaultCacheConfig returns cache sizing defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		BlockTokenNum:             16,
		BlockBytes:                1 << 16,
		TotalDeviceBytes:          1 << 30,
		ReservedDeviceMemoryRatio: 0.05,
		BlockDeviceMemoryRatio:    -1,
		BlockHostMemoryFactor:     10,
	}
}

// DeviceBlockCount resolves the device pool size from the byte budget.
func (c *CacheConfig) DeviceBlockCount() (int, error) {
	if c.DeviceBlockNum > 0 {
		return c.DeviceBlockNum, nil
	}
	if c.BlockBytes <= 0 {
		return 0, errors.New("block bytes must be positive to derive block counts")
	}

	var budget int64
	if c.BlockDeviceMemoryRatio >= 0 {
		budget = int64(float64(c.TotalDeviceBytes) * c.BlockDeviceMemoryRatio)
	} else {
		budget = int64(float64(c.TotalDeviceBytes)*(1-c.ReservedDeviceMemoryRatio)) -
			c.ModelWeightsBytes - int64(c.ContiguousBytes)
	}

	blocks := int(budget / int64(c.BlockBytes))
	if blocks <= 0 {
		return 0, errors.New("device memory budget leaves no room for cache blocks")
	}
	return blocks, nil
}

// HostBlockCount resolves the host swap pool size.
func (c *CacheConfig) HostBlockCount(deviceBlocks int) int {
	return int(float64(deviceBlocks) * c.BlockHostMemoryFactor)
}

// Config aggregates the engine's sub-configurations.
type Config struct {
	// TensorParaSize is the number of tensor-parallel ranks a batch fans out
	// to.
	TensorParaSize int `json:"tensorParaSize"`
	// PipelineParaSize is carried for cluster layout; this core schedules a
	// single pipeline stage.
	PipelineParaSize int `json:"pipelineParaSize"`

	Cache     *CacheConfig             `json:"cache"`
	Manager   *kvblock.ManagerConfig   `json:"manager"`
	Scheduler *scheduler.Config        `json:"scheduler"`
	// Events enables KV-event publishing when non-nil.
	Events *kvevents.Config `json:"events,omitempty"`

	// OutputCacheSize bounds the finished-request results kept for Poll.
	OutputCacheSize int `json:"outputCacheSize"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		TensorParaSize:   1,
		PipelineParaSize: 1,
		Cache:            DefaultCacheConfig(),
		Manager:          kvblock.DefaultManagerConfig(),
		Scheduler:        scheduler.DefaultConfig(),
		OutputCacheSize:  1024,
	}
}

// normalize reconciles derived fields across sub-configs and logs any
// adjustments.
func (c *Config) normalize(ctx context.Context) {
	logger := klog.FromContext(ctx)

	if c.Cache == nil {
		c.Cache = DefaultCacheConfig()
	}
	if c.Manager == nil {
		c.Manager = kvblock.DefaultManagerConfig()
	}
	if c.Scheduler == nil {
		c.Scheduler = scheduler.DefaultConfig()
	}
	if c.TensorParaSize <= 0 {
		c.TensorParaSize = 1
	}
	if c.OutputCacheSize <= 0 {
		c.OutputCacheSize = 1024
	}

	c.Manager.BlockTokenNum = c.Cache.BlockTokenNum

	if rem := c.Cache.PrefixCacheLen % c.Cache.BlockTokenNum; rem != 0 {
		rounded := c.Cache.PrefixCacheLen - rem
		logger.Info("rounding prefix cache length down to a block multiple",
			"requested", c.Cache.PrefixCacheLen, "effective", rounded)
		c.Cache.PrefixCacheLen = rounded
	}
	c.Manager.PrefixCacheLen = c.Cache.PrefixCacheLen
}
