// Package cluster implements the registration protocol shared by workers,
// servers, and the postoffice: the wire types a process posts on startup
// to announce its transport endpoints, and the plain HTTP/JSON helpers
// used to speak it.
//
// # Overview
//
// Neither a worker nor a server knows the rest of the ring's addresses up
// front. Each process registers its NodeInfo (TCP address, UDP addresses,
// and — for servers — its rank) with the postoffice once at startup, then
// periodically fetches the full NodeList back to learn every other node's
// endpoints and feed them to its van.RegisterPeer. This is the same
// register/discover shape the teacher's coordinator used for HTTP-routed
// storage nodes, generalized from "node serves some shards" to "node
// reaches some peers over TCP and UDP."
//
// # Communication Protocol
//
// Registration (POST /register):
//   - A worker or server posts its NodeInfo once at startup.
//   - Servers additionally carry the rank they expect to own; the
//     postoffice's range assignment (component A3) binds that rank to
//     this node.
//
// Discovery (GET /nodes):
//   - Returns every node currently registered, as a NodeList.
//   - Polled periodically so membership changes propagate without a
//     push-based broadcast mechanism.
//
// # Concurrency Model
//
// PostJSON and GetJSON are stateless beyond the shared httpClient; callers
// are responsible for their own synchronization around the NodeInfo/
// NodeList values they decode.
package cluster
