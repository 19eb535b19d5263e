package lab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	labsUp = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtlab_labs_up_total",
		Help: "Labs that reached the active state.",
	})
	labsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtlab_labs_destroyed_total",
		Help: "Labs torn down, including partial deployments.",
	})
	nodesProvisioned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtlab_nodes_provisioned_total",
		Help: "Nodes that reached the running state.",
	})
	nodesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtlab_nodes_failed_total",
		Help: "Nodes that failed during provisioning.",
	})
	linksStitched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtlab_links_stitched_total",
		Help: "Links realized in the kernel.",
	})
	linksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtlab_links_failed_total",
		Help: "Links that failed to stitch or were skipped.",
	})
)
