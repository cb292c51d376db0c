package media

import (
	"container/heap"

	"github.com/pion/rtp"
)

// reorderDepth сколько пакетов приемник держит до воспроизведения.
// 3 пакета по 20 мс дают 60 мс на перестановки в сети.
const reorderDepth = 3

// reorderBuffer упорядочивает RTP пакеты по sequence number с учетом
// переполнения. Опоздавшие (старше уже выданного) и повторные пакеты
// отбрасываются, пропуски считаются потерями.
type reorderBuffer struct {
	depth   int
	packets seqHeap
	seen    map[uint16]struct{}

	started bool
	next    uint16

	late uint64
	lost uint64
}

func newReorderBuffer(depth int) *reorderBuffer {
	if depth < 1 {
		depth = 1
	}
	return &reorderBuffer{depth: depth, seen: make(map[uint16]struct{}, depth+1)}
}

// Push добавляет пакет и возвращает пакеты, готовые к воспроизведению
func (b *reorderBuffer) Push(pkt *rtp.Packet) []*rtp.Packet {
	seq := pkt.SequenceNumber
	if b.started && seq != b.next && !isSeqNewer(seq, b.next) {
		b.late++
		return nil
	}
	if _, dup := b.seen[seq]; dup {
		return nil
	}

	b.seen[seq] = struct{}{}
	heap.Push(&b.packets, pkt)

	var ready []*rtp.Packet
	for b.packets.Len() > b.depth {
		ready = append(ready, b.pop())
	}
	return ready
}

// Flush выдает все оставшиеся пакеты по порядку
func (b *reorderBuffer) Flush() []*rtp.Packet {
	ready := make([]*rtp.Packet, 0, b.packets.Len())
	for b.packets.Len() > 0 {
		ready = append(ready, b.pop())
	}
	return ready
}

func (b *reorderBuffer) pop() *rtp.Packet {
	pkt := heap.Pop(&b.packets).(*rtp.Packet)
	seq := pkt.SequenceNumber
	delete(b.seen, seq)

	if b.started && seq != b.next {
		b.lost += uint64(seqDiff(seq, b.next))
	}
	b.started = true
	b.next = seq + 1
	return pkt
}

// seqHeap min-heap по sequence number с учетом переполнения uint16
type seqHeap []*rtp.Packet

func (h seqHeap) Len() int { return len(h) }
func (h seqHeap) Less(i, j int) bool {
	return isSeqNewer(h[j].SequenceNumber, h[i].SequenceNumber)
}
func (h seqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) {
	*h = append(*h, x.(*rtp.Packet))
}

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// isSeqNewer проверяет, что seq1 новее seq2 с учетом wrap-around
func isSeqNewer(seq1, seq2 uint16) bool {
	return ((seq1 > seq2) && (seq1-seq2 < 32768)) ||
		((seq1 < seq2) && (seq2-seq1 > 32768))
}

// seqDiff разность sequence numbers с учетом wrap-around
func seqDiff(newer, older uint16) uint16 {
	return newer - older
}
