/*
Package config loads the agent's YAML configuration: local node number,
pool sizing, queue depths, maintenance cadence, logging, metrics
endpoint, offload backend selection, and static CLA/route declarations.

Load fills defaults first, then overlays the file, then validates —
a missing file is an error but a sparse file is not.
*/
package config
