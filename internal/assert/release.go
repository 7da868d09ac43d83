//go:build release

package assert

const release = true
