// Package discovery finds seed nodes through etcd.
package discovery
