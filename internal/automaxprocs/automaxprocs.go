// Package automaxprocs sets GOMAXPROCS to match the container's CPU quota
// on import, for processes that may be running under a cgroup limit.
package automaxprocs

import "go.uber.org/automaxprocs/maxprocs"

func init() {
	maxprocs.Set()
}
