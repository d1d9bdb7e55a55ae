package camera

import "gocv.io/x/gocv"

// depositFrame places a frame in a capacity-one mailbox, replacing a stale
// frame the consumer has not collected yet. Whichever Mat loses the exchange
// is closed here; the one left in the mailbox is owned by the next Capture.
func depositFrame(mailbox chan gocv.Mat, mat gocv.Mat) {
	select {
	case mailbox <- mat:
		return
	default:
	}
	select {
	case old := <-mailbox:
		old.Close()
	default:
	}
	select {
	case mailbox <- mat:
	default:
		mat.Close()
	}
}

// drainMailbox closes any frame still parked in the mailbox.
func drainMailbox(mailbox chan gocv.Mat) {
	select {
	case mat := <-mailbox:
		mat.Close()
	default:
	}
}
