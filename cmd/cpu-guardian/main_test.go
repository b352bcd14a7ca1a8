package main

import "testing"

func TestMonotonicRawNsIsNonZero(t *testing.T) {
	if monotonicRawNs() == 0 {
		t.Fatalf("monotonicRawNs() returned 0 on a running system")
	}
}
