// Command discovery-client registers, withdraws and lists services of an
// rpc-discovery registry.
//
// Usage:
//
//	discovery-client identity --new
//	DISCOVERY_ACCESS_SEED=<seed> discovery-client put <publicKey> <service> --rpc host:4977
//	discovery-client delete <publicKey> --seed <seed>
//	discovery-client list [dbKey] --url http://host:8000 --service <service>
package main
