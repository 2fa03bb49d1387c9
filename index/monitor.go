// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package index

import "github.com/poiesic/findex/core"

// SearchMonitor provides hooks to observe the search traversal.
// Implement this interface to track rounds and results during search.
type SearchMonitor interface {
	Start(keywords []core.Keyword)
	EntriesFetched(round int, requested, found int)
	ChainsFetched(round int, links int)
	RoundCompleted(round int, resolved map[core.Keyword][]core.IndexedValue)
	Interrupted(round int)
	DepthLimitReached(round int, pending int)
	Finish(results map[core.Keyword][]core.Location)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ []core.Keyword) {}
func (n *noopMonitor) EntriesFetched(_ int, _ int, _ int) {}
func (n *noopMonitor) ChainsFetched(_ int, _ int) {}
func (n *noopMonitor) RoundCompleted(_ int, _ map[core.Keyword][]core.IndexedValue) {}
func (n *noopMonitor) Interrupted(_ int) {}
func (n *noopMonitor) DepthLimitReached(_ int, _ int) {}
func (n *noopMonitor) Finish(_ map[core.Keyword][]core.Location) {}
