//go:build !linux

package worker

func setProcessTitle(string) {}

// Personal.AI order the ending
