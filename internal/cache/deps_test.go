// Copyright 2025 PulseCache Authors
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

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyString(t *testing.T) {
	t.Parallel()

	a := Key{Computation: "gameState", Args: "42"}
	b := Key{Computation: "gameState", Args: "43"}
	assert.NotEqual(t, a.String(), b.String())

	// The separator keeps (comp, args) pairs from colliding on
	// concatenation.
	c := Key{Computation: "game", Args: "State42"}
	assert.NotEqual(t, a.String(), c.String())
}

func TestArgsDigest(t *testing.T) {
	t.Parallel()

	d1 := ArgsDigest(map[string]int{"a": 1})
	d2 := ArgsDigest(map[string]int{"a": 1})
	d3 := ArgsDigest(map[string]int{"a": 2})
	assert.Equal(t, d1, d2, "digest is deterministic")
	assert.NotEqual(t, d1, d3)
}

func TestDepSet(t *testing.T) {
	t.Parallel()

	deps := NewDepSet()
	deps.Touch("game:42")
	deps.Touch("player:7")
	deps.Touch("game:42")

	keys := deps.Keys()
	assert.ElementsMatch(t, []string{"game:42", "player:7"}, keys)
}
