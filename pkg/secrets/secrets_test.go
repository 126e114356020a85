// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	s, err := New("unit-test-key")
	require.NoError(t, err)

	ct, err := s.Encrypt("s3cret-password")
	require.NoError(t, err)
	require.NotContains(t, ct, "s3cret")

	pt, err := s.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "s3cret-password", pt)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, err := New("key-a")
	require.NoError(t, err)
	b, err := New("key-b")
	require.NoError(t, err)

	ct, err := a.Encrypt("password")
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	require.Error(t, err)
}

func TestDecryptGarbageFails(t *testing.T) {
	s, err := New("key")
	require.NoError(t, err)
	_, err = s.Decrypt("not-base64!!")
	require.Error(t, err)
	_, err = s.Decrypt("aGVsbG8=")
	require.Error(t, err)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
