// This package is a pure Go implementation of the SOME/IP protocol stack.
package someip
