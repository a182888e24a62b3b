// Package device holds the vocabulary shared by the BLE client stack:
//   - connection states of a peripheral
//   - GATT request kinds, targets and connection priorities
//   - the error taxonomy surfaced through request futures
//   - UUID and device address validation
package device
