package peer

import "p2p-files/internal/uiutil"

func (a *App) nick(name string) string { return uiutil.Nick(name, a.cfg.Color) }

func PrintBanner(p Printer, a *App) {
	p.Println()
	p.Println("Peer started.")
	p.Printf("Directory:      %s\n", a.dir.DirectoryAddr())
	p.Printf("Sharing:        %s (%d files, %s)\n", a.cat.Dir(), a.cat.Len(), a.cat.Algorithm())
	p.Printf("Downloads:      %s\n", a.cfg.DownloadDir)
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    /login <nick>                      - open a directory session")
	p.Println("    /logout                            - close the session (stops serving)")
	p.Println("    /users                             - list logged-in users")
	p.Println("    /files                             - list files published in the directory")
	p.Println("    /myfiles                           - list the files you share")
	p.Println("    /serve                             - start serving and publish your files")
	p.Println("    /stopserve                         - stop serving and withdraw your files")
	p.Println("    /publish                           - publish your catalog again")
	p.Println("    /rescan                            - rescan the shared folder")
	p.Println("    /search <hash>                     - find peers sharing a file")
	p.Println("    /download <nick> <hash> <name>     - fetch a file from a peer")
	p.Println("    /me                                - prints your info")
	p.Println("    /quit                              - exit")
}
