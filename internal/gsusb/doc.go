// Package gsusb drives a USB CAN adapter speaking the gs_usb vendor protocol
// (candleLight, CANable and compatibles).
//
// Configuration travels over vendor control transfers as small packed
// little-endian records (see registers.go); CAN frames travel over the bulk
// endpoints as fixed 24-byte host frames (see hostframe.go). A Session owns one
// Transport and tracks the adapter state the device itself does not report.
//
// A Session is not safe for concurrent use. The protocol has no request tags,
// so two command streams on one adapter cannot be told apart.
package gsusb
