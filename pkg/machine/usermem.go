// Copyright 2025 The Blink Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package machine

import (
	"bytes"

	"github.com/rsamnz/blink/pkg/guestarch"
)

// SetReadAddr records the range of the last guest read for debuggers
// and signal delivery. Zero-sized accesses leave the record alone.
func (m *Machine) SetReadAddr(addr int64, size uint32) {
	if size != 0 {
		m.readAddr = addr
		m.readSize = size
	}
}

// SetWriteAddr records the range of the last guest write.
func (m *Machine) SetWriteAddr(addr int64, size uint32) {
	if size != 0 {
		m.writeAddr = addr
		m.writeSize = size
	}
}

// ReadRange returns the last recorded guest read.
func (m *Machine) ReadRange() (int64, uint32) {
	return m.readAddr, m.readSize
}

// WriteRange returns the last recorded guest write.
func (m *Machine) WriteRange() (int64, uint32) {
	return m.writeAddr, m.writeSize
}

// LookupAddress translates a guest virtual address to a host view
// running to the end of its page, or nil when the address does not
// translate. In real mode addresses map identity onto the low pool.
func (m *Machine) LookupAddress(virt int64) []byte {
	var entry uint64
	if m.Mode != ModeReal {
		if entry = m.findPageTableEntry(virt &^ guestarch.PageMask); entry == 0 {
			return nil
		}
	} else if virt >= 0 && virt <= 0xffffffff && (virt&0xffffffff)+guestarch.PageMask < m.system.maxReal() {
		return m.system.real.Slice(virt, guestarch.PageSize-int64(guestarch.Addr(virt).PageOffset()))
	} else {
		return nil
	}
	host := m.system.PageAddress(entry)
	if host == nil {
		return nil
	}
	return host[guestarch.Addr(virt).PageOffset():]
}

// GetAddress is LookupAddress with the linear-mapping short circuit.
func (m *Machine) GetAddress(virt int64) []byte {
	if m.system.opts.LinearMapping {
		return hostSlice(uint64(virt+m.system.opts.LinearOffset),
			guestarch.PageSize-int(guestarch.Addr(virt).PageOffset()))
	}
	return m.LookupAddress(virt)
}

// ResolveAddress is GetAddress, turning a miss into a segmentation
// fault for the interpreter to deliver.
func (m *Machine) ResolveAddress(virt int64) ([]byte, error) {
	if r := m.GetAddress(virt); r != nil {
		return r, nil
	}
	return nil, &SegmentationFaultError{Addr: virt}
}

// VirtualCopy copies len(buf) bytes between guest memory at virt and
// buf, chunked at page boundaries. toHost selects the direction. A
// zero-length copy never faults.
func (m *Machine) VirtualCopy(virt int64, buf []byte, toHost bool) error {
	n := int64(len(buf))
	k := guestarch.PageSize - int64(guestarch.Addr(virt).PageOffset())
	for n > 0 {
		if k > n {
			k = n
		}
		p, err := m.ResolveAddress(virt)
		if err != nil {
			return err
		}
		if toHost {
			copy(buf[:k], p)
		} else {
			copy(p, buf[:k])
		}
		n -= k
		buf = buf[k:]
		virt += k
		k = guestarch.PageSize
	}
	return nil
}

// CopyFromUser reads guest memory at src into dst.
func (m *Machine) CopyFromUser(dst []byte, src int64) error {
	return m.VirtualCopy(src, dst, true)
}

// CopyFromUserRead is CopyFromUser plus read-range bookkeeping.
func (m *Machine) CopyFromUserRead(dst []byte, addr int64) error {
	if err := m.CopyFromUser(dst, addr); err != nil {
		return err
	}
	m.SetReadAddr(addr, uint32(len(dst)))
	return nil
}

// CopyToUser writes src into guest memory at dst.
func (m *Machine) CopyToUser(dst int64, src []byte) error {
	return m.VirtualCopy(dst, src, false)
}

// CopyToUserWrite is CopyToUser plus write-range bookkeeping.
func (m *Machine) CopyToUserWrite(addr int64, src []byte) error {
	if err := m.CopyToUser(addr, src); err != nil {
		return err
	}
	m.SetWriteAddr(addr, uint32(len(src)))
	return nil
}

// ReserveAddress returns a host view of n guest bytes at virt for the
// duration of one instruction. A single-page access resolves directly;
// a page-crossing one is staged through the per-CPU stash, which
// CommitStash writes back at retire when writable.
func (m *Machine) ReserveAddress(virt int64, n int, writable bool) ([]byte, error) {
	m.reserving = true
	if int(guestarch.Addr(virt).PageOffset())+n <= guestarch.PageSize {
		p, err := m.ResolveAddress(virt)
		if err != nil {
			return nil, err
		}
		return p[:n], nil
	}
	m.pageOverlaps++
	m.stashAddr = virt
	m.opcache.stashSize = n
	m.opcache.writable = writable
	r := m.opcache.stash[:n]
	if err := m.CopyFromUser(r, virt); err != nil {
		m.stashAddr = 0
		return nil, err
	}
	return r, nil
}

// CommitStash writes a writable stash back to guest memory. The
// interpreter calls it at instruction retire; on a fault the stash is
// simply dropped.
func (m *Machine) CommitStash() error {
	if m.stashAddr == 0 {
		return nil
	}
	var err error
	if m.opcache.writable {
		err = m.CopyToUser(m.stashAddr, m.opcache.stash[:m.opcache.stashSize])
	}
	m.stashAddr = 0
	return err
}

// AccessRam resolves an access of up to one page. A single-page access
// returns the direct host view. A page-crossing one resolves both
// halves into p and returns tmp; when copyIn is set, tmp is filled from
// the halves first. n must not exceed a page.
func (m *Machine) AccessRam(virt int64, n int, p *[2][]byte, tmp []byte, copyIn bool) ([]byte, error) {
	off := int(guestarch.Addr(virt).PageOffset())
	if off+n <= guestarch.PageSize {
		r, err := m.ResolveAddress(virt)
		if err != nil {
			return nil, err
		}
		return r[:n], nil
	}
	m.pageOverlaps++
	k := guestarch.PageSize - off
	a, err := m.ResolveAddress(virt)
	if err != nil {
		return nil, err
	}
	b, err := m.ResolveAddress(virt + int64(k))
	if err != nil {
		return nil, err
	}
	if copyIn {
		copy(tmp[:k], a)
		copy(tmp[k:n], b)
	}
	p[0] = a
	p[1] = b
	return tmp[:n], nil
}

// Load resolves a guest read, splicing a page-crossing access into tmp.
func (m *Machine) Load(virt int64, n int, tmp []byte) ([]byte, error) {
	var p [2][]byte
	m.SetReadAddr(virt, uint32(n))
	return m.AccessRam(virt, n, &p, tmp, true)
}

// BeginStore resolves a guest write without reading the old contents.
func (m *Machine) BeginStore(virt int64, n int, p *[2][]byte, tmp []byte) ([]byte, error) {
	m.SetWriteAddr(virt, uint32(n))
	return m.AccessRam(virt, n, p, tmp, false)
}

// BeginStoreNp treats a null guest pointer as a no-op store.
func (m *Machine) BeginStoreNp(virt int64, n int, p *[2][]byte, tmp []byte) ([]byte, error) {
	if virt == 0 {
		return nil, nil
	}
	return m.BeginStore(virt, n, p, tmp)
}

// BeginLoadStore resolves a read-modify-write access.
func (m *Machine) BeginLoadStore(virt int64, n int, p *[2][]byte, tmp []byte) ([]byte, error) {
	m.SetWriteAddr(virt, uint32(n))
	return m.AccessRam(virt, n, p, tmp, true)
}

// EndStore completes a store begun with BeginStore or BeginLoadStore,
// writing a page-crossing buffer back to both halves. Single-page
// stores went through the direct view and need no copy.
func (m *Machine) EndStore(virt int64, n int, p *[2][]byte, tmp []byte) {
	off := int(guestarch.Addr(virt).PageOffset())
	if off+n <= guestarch.PageSize {
		return
	}
	k := guestarch.PageSize - off
	copy(p[0][:k], tmp)
	copy(p[1][:n-k], tmp[k:n])
}

// EndStoreNp is EndStore with the null-pointer convention.
func (m *Machine) EndStoreNp(virt int64, n int, p *[2][]byte, tmp []byte) {
	if virt != 0 {
		m.EndStore(virt, n, p, tmp)
	}
}

// LoadStr returns the guest string at addr without its terminator, or
// nil when addr is null, unmapped, or runs off the mapped address
// space before a terminator. A string contained in one page is returned
// as a direct view; a page-crossing string is copied into a buffer the
// machine retains until teardown. The recorded read range includes the
// terminator.
func (m *Machine) LoadStr(addr int64) []byte {
	if addr == 0 {
		return nil
	}
	have := guestarch.PageSize - int(guestarch.Addr(addr).PageOffset())
	page := m.LookupAddress(addr)
	if page == nil {
		return nil
	}
	if i := bytes.IndexByte(page[:have], 0); i >= 0 {
		m.SetReadAddr(addr, uint32(i+1))
		return page[:i]
	}
	str := make([]byte, have, have+guestarch.PageSize)
	copy(str, page[:have])
	for {
		if page = m.LookupAddress(addr + int64(have)); page == nil {
			return nil
		}
		if i := bytes.IndexByte(page[:guestarch.PageSize], 0); i >= 0 {
			str = append(str, page[:i]...)
			m.SetReadAddr(addr, uint32(have+i+1))
			m.freelist = append(m.freelist, str)
			return str
		}
		str = append(str, page[:guestarch.PageSize]...)
		have += guestarch.PageSize
	}
}

// LoadStrList reads a null-terminated array of guest string pointers,
// such as argv, resolving each element with LoadStr. Elements that fail
// to resolve are nil. The element buffers follow LoadStr's ownership;
// the returned list itself is the caller's.
func (m *Machine) LoadStrList(addr int64) ([][]byte, error) {
	var list [][]byte
	for n := int64(0); ; n++ {
		var b [8]byte
		if err := m.CopyFromUserRead(b[:], addr+n*8); err != nil {
			return nil, err
		}
		ptr := guestarch.Load64(b[:])
		if ptr == 0 {
			return list, nil
		}
		list = append(list, m.LoadStr(int64(ptr)))
	}
}
