// Package yeelight implements the Yeelight LAN control protocol.
//
// Each lamp accepts a single TCP connection (port 55443 by default) carrying
// newline-delimited JSON. Commands are {"id":n,"method":...,"params":[...]} and
// are answered by {"id":n,"result":[...]} or {"id":n,"error":{...}}. State
// changes are pushed unsolicited as {"method":"props","params":{...}}.
//
// Lamps announce themselves over SSDP-like multicast on 239.255.255.250:1982
// using HTTP-style "key: value" header blocks.
package yeelight
