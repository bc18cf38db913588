/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand"
	"time"
)

const letterRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NowRand returns a *math/rand.Rand seeded off the current time, for
// non-cryptographic randomness such as JitterMs.
func NowRand() *mrand.Rand {
	return mrand.New(mrand.NewSource(time.Now().UnixNano()))
}

// CryptoRandS returns a cryptographically random alphanumeric string of
// length n.
func CryptoRandS(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(letterRunes)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is unrecoverable; fall back to math/rand
			// rather than propagate an error through ID generation call sites.
			b[i] = letterRunes[NowRand().Intn(len(letterRunes))]
			continue
		}
		b[i] = letterRunes[idx.Int64()]
	}
	return string(b)
}

// JitterMs returns a jittered delay in [0, maxMs) milliseconds.
func JitterMs(maxMs int) time.Duration {
	if maxMs <= 0 {
		return 0
	}
	return time.Duration(NowRand().Intn(maxMs)) * time.Millisecond
}
