// Package logx is a thin zerolog wrapper with swappable sinks.
//
// It exists so components can hold a Logger value whose output and level can
// be reconfigured at runtime (config hot reload) without re-plumbing loggers
// through the whole dependency graph.
package logx
