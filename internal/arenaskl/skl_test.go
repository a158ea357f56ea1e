/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package arenaskl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

func TestSkiplistAddAndIterateInOrder(t *testing.T) {
	s := NewSkiplist(NewArena(64<<10), base.DefaultCompare)

	keys := []string{"banana", "apple", "cherry", "date"}
	for i, k := range keys {
		require.NoError(t, s.Add(base.MakeInternalKey([]byte(k), base.SeqNum(i+1), base.InternalKeyKindSet), []byte(k)))
	}

	it := s.NewIter()
	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key().UserKey))
	}
	require.Equal(t, []string{"apple", "banana", "cherry", "date"}, got)
}

func TestSkiplistAddDuplicateInternalKeyFails(t *testing.T) {
	s := NewSkiplist(NewArena(64<<10), base.DefaultCompare)
	key := base.MakeInternalKey([]byte("k"), 1, base.InternalKeyKindSet)
	require.NoError(t, s.Add(key, []byte("v1")))
	require.True(t, errors.Is(s.Add(key, []byte("v2")), ErrRecordExists))
}

func TestSkiplistAddReturnsArenaFullWhenExhausted(t *testing.T) {
	s := NewSkiplist(NewArena(1<<10), base.DefaultCompare)
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		key := base.MakeInternalKey([]byte("some-reasonably-long-key"), base.SeqNum(i+1), base.InternalKeyKindSet)
		err = s.Add(key, []byte("some-reasonably-long-value"))
	}
	require.True(t, errors.Is(err, ErrArenaFull))
}

func TestSkiplistSeekGEAndSeekLT(t *testing.T) {
	s := NewSkiplist(NewArena(64<<10), base.DefaultCompare)
	for i, k := range []string{"a", "c", "e", "g"} {
		require.NoError(t, s.Add(base.MakeInternalKey([]byte(k), base.SeqNum(i+1), base.InternalKeyKindSet), []byte(k)))
	}

	it := s.NewIter()
	require.True(t, it.SeekGE(base.MakeInternalKey([]byte("c"), 2, base.InternalKeyKindSet)))
	require.Equal(t, []byte("c"), it.Key().UserKey)

	require.False(t, it.SeekGE(base.MakeInternalKey([]byte("b"), base.SeqNumMax, base.InternalKeyKindMax)))
	require.Equal(t, []byte("c"), it.Key().UserKey) // lands on the next entry >= "b".

	it.SeekLT(base.MakeInternalKey([]byte("e"), base.SeqNumMax, base.InternalKeyKindMax))
	require.Equal(t, []byte("c"), it.Key().UserKey)
}

func TestSkiplistFirstLastOnEmpty(t *testing.T) {
	s := NewSkiplist(NewArena(64<<10), base.DefaultCompare)
	it := s.NewIter()
	require.False(t, it.First())
	require.False(t, it.Last())
	require.False(t, it.Valid())
}

func TestSkiplistHeightAndSizeGrow(t *testing.T) {
	s := NewSkiplist(NewArena(64<<10), base.DefaultCompare)
	require.Equal(t, uint32(1), s.Height())
	initialSize := s.Size()

	for i := 0; i < 50; i++ {
		key := base.MakeInternalKey([]byte{byte('a' + i%26), byte(i)}, base.SeqNum(i+1), base.InternalKeyKindSet)
		require.NoError(t, s.Add(key, []byte("v")))
	}
	require.Greater(t, s.Size(), initialSize)
}
