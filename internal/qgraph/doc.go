// Package qgraph defines the computation graph model: nodes tagged with an
// execution domain, typed input/output ports, timing contracts, coherence
// window declarations and measurement-conditioned branches.
//
// A graph is mutable while it is being assembled and becomes immutable once
// Freeze is called. The validator freezes a graph on acceptance; every later
// stage (planner, engine) refuses to touch an unfrozen graph.
package qgraph
