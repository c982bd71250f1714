// Package pdu defines the PDU (Protocol Data Unit) wire frame shared by
// every transport in this module: a 32-bit opcode, a 32-bit payload
// length, and the payload bytes themselves, little-endian, with no
// padding between fields.
package pdu
